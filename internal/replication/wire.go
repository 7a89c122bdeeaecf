package replication

import (
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/net/packet"
	"github.com/l1jgo/ghostnet/internal/tick"
	"google.golang.org/protobuf/encoding/protowire"
)

// SnapshotHeader is the byte-aligned envelope in front of the ghost body.
type SnapshotHeader struct {
	ServerTick tick.Tick
	EchoTime   uint32 // client clock (ms) carried by the newest ack
	EchoHold   uint32 // ms the server held that ack before this send
	Despawns   []uint32
	GhostCount int
}

// SnapshotPacket is a parsed server packet. Body aliases the input bytes.
type SnapshotPacket struct {
	SnapshotHeader
	Body []byte
}

// AppendSnapshot serializes a snapshot packet onto dst.
func AppendSnapshot(dst []byte, h *SnapshotHeader, body []byte) []byte {
	dst = append(dst, byte(packet.KindSnapshot))
	dst = protowire.AppendVarint(dst, uint64(h.ServerTick.Serialize()))
	dst = protowire.AppendVarint(dst, uint64(h.EchoTime))
	dst = protowire.AppendVarint(dst, uint64(h.EchoHold))
	dst = protowire.AppendVarint(dst, uint64(len(h.Despawns)))
	for _, id := range h.Despawns {
		dst = protowire.AppendVarint(dst, uint64(id))
	}
	dst = protowire.AppendVarint(dst, uint64(h.GhostCount))
	return protowire.AppendBytes(dst, body)
}

type cursor struct {
	b   []byte
	err error
}

func (c *cursor) varint(what string) uint64 {
	if c.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(c.b)
	if n < 0 {
		c.err = protocolErr(0, "bad %s: %v", what, protowire.ParseError(n))
		return 0
	}
	c.b = c.b[n:]
	return v
}

func (c *cursor) u32(what string) uint32 {
	v := c.varint(what)
	if v > 0xFFFFFFFF && c.err == nil {
		c.err = protocolErr(0, "%s out of range", what)
	}
	return uint32(v)
}

func (c *cursor) fixed64(what string) uint64 {
	if c.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed64(c.b)
	if n < 0 {
		c.err = protocolErr(0, "bad %s: %v", what, protowire.ParseError(n))
		return 0
	}
	c.b = c.b[n:]
	return v
}

func (c *cursor) bytes(what string) []byte {
	if c.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(c.b)
	if n < 0 {
		c.err = protocolErr(0, "bad %s: %v", what, protowire.ParseError(n))
		return nil
	}
	c.b = c.b[n:]
	return v
}

// count reads a length prefix and rejects values that cannot fit in the
// remaining bytes at one byte per item.
func (c *cursor) count(what string) int {
	v := c.varint(what)
	if c.err == nil && v > uint64(len(c.b)) {
		c.err = protocolErr(0, "%s count %d exceeds packet", what, v)
		return 0
	}
	return int(v)
}

// ParseSnapshot decodes the envelope of a snapshot packet.
func ParseSnapshot(data []byte) (SnapshotPacket, error) {
	var p SnapshotPacket
	if len(data) == 0 || packet.Kind(data[0]) != packet.KindSnapshot {
		return p, protocolErr(0, "not a snapshot packet")
	}
	c := cursor{b: data[1:]}
	p.ServerTick = tick.Deserialize(c.u32("server tick"))
	p.EchoTime = c.u32("echo time")
	p.EchoHold = c.u32("echo hold")
	n := c.count("despawn")
	if c.err == nil && n > 0 {
		p.Despawns = make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			p.Despawns = append(p.Despawns, c.u32("despawn id"))
		}
	}
	p.GhostCount = int(c.u32("ghost count"))
	p.Body = c.bytes("body")
	if c.err != nil {
		return SnapshotPacket{}, c.err
	}
	if !p.ServerTick.IsValid() {
		return SnapshotPacket{}, protocolErr(0, "invalid server tick")
	}
	return p, nil
}

// ClientPacket carries the client's ack state, its clock for RTT echo and
// the most recent inputs (repeated for redundancy).
type ClientPacket struct {
	Ack        AckState
	ClientTime uint32
	Inputs     []ghost.Input
}

// AppendClient serializes a client packet onto dst.
func AppendClient(dst []byte, p *ClientPacket) []byte {
	dst = append(dst, byte(packet.KindAck))
	dst = protowire.AppendVarint(dst, uint64(p.Ack.Last.Serialize()))
	dst = protowire.AppendFixed64(dst, p.Ack.Mask)
	dst = protowire.AppendVarint(dst, uint64(p.ClientTime))
	dst = protowire.AppendVarint(dst, uint64(len(p.Inputs)))
	for _, in := range p.Inputs {
		dst = protowire.AppendVarint(dst, uint64(in.Tick.Serialize()))
		dst = protowire.AppendVarint(dst, uint64(len(in.Data)))
		for _, v := range in.Data {
			dst = protowire.AppendVarint(dst, protowire.EncodeZigZag(int64(v)))
		}
	}
	return dst
}

// ParseClient decodes a client packet.
func ParseClient(data []byte) (ClientPacket, error) {
	var p ClientPacket
	if len(data) == 0 || packet.Kind(data[0]) != packet.KindAck {
		return p, protocolErr(0, "not an ack packet")
	}
	c := cursor{b: data[1:]}
	p.Ack.Last = tick.Deserialize(c.u32("ack tick"))
	p.Ack.Mask = c.fixed64("ack mask")
	p.ClientTime = c.u32("client time")
	n := c.count("input")
	for i := 0; i < n && c.err == nil; i++ {
		in := ghost.Input{Tick: tick.Deserialize(c.u32("input tick"))}
		m := c.count("input data")
		for j := 0; j < m && c.err == nil; j++ {
			in.Data = append(in.Data, int32(protowire.DecodeZigZag(c.varint("input value"))))
		}
		p.Inputs = append(p.Inputs, in)
	}
	if c.err != nil {
		return ClientPacket{}, c.err
	}
	if !p.Ack.Last.IsValid() {
		p.Ack = AckState{}
	}
	return p, nil
}
