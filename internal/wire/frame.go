// Package wire implements the OrbitMesh session protocol: the frame kinds of
// spec.md §6 carried as gRPC bidirectional-stream messages, with each frame's
// payload encoded in a compact schema-tagged binary format using
// google.golang.org/protobuf/encoding/protowire directly (no protoc step —
// see DESIGN.md for why a generated .pb.go pipeline isn't used here).
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind identifies the frame payload carried by a Frame, matching spec.md §6's
// kind byte table.
type Kind uint8

const (
	KindHello      Kind = 0x01
	KindWelcome    Kind = 0x02
	KindHeartbeat  Kind = 0x10
	KindDeliver    Kind = 0x20
	KindAckReject  Kind = 0x21
	KindStart      Kind = 0x22
	KindProgress   Kind = 0x23
	KindResult     Kind = 0x24
	KindError      Kind = 0x25
	KindCancel     Kind = 0x26
	KindStreamItem Kind = 0x30
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindWelcome:
		return "Welcome"
	case KindHeartbeat:
		return "Heartbeat"
	case KindDeliver:
		return "Deliver"
	case KindAckReject:
		return "AckReject"
	case KindStart:
		return "Start"
	case KindProgress:
		return "Progress"
	case KindResult:
		return "Result"
	case KindError:
		return "Error"
	case KindCancel:
		return "Cancel"
	case KindStreamItem:
		return "StreamItem"
	default:
		return fmt.Sprintf("Kind(0x%02x)", uint8(k))
	}
}

// ProtocolVersion is the current wire protocol version, carried in every
// Frame so either side can reject an incompatible peer.
const ProtocolVersion uint16 = 1

// Frame is the envelope for every message exchanged over a session: one gRPC
// stream message carries exactly one Frame. This is the "u8 kind | u16
// version | u32 length | bytes payload" layout from spec.md §6 — the u32
// length is implicit (gRPC already length-prefixes each stream message), so
// only kind, version, and payload are represented explicitly.
type Frame struct {
	Kind    Kind
	Version uint16
	Payload []byte
}

// ─── Hello (agent→server) ────────────────────────────────────────────────────

type Hello struct {
	AgentID      string
	NominalName  string
	Capabilities []string
	Group        string
	ResumeToken  string
}

func (h Hello) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, h.AgentID)
	b = appendStringField(b, 2, h.NominalName)
	for _, c := range h.Capabilities {
		b = appendStringField(b, 3, c)
	}
	b = appendStringField(b, 4, h.Group)
	b = appendStringField(b, 5, h.ResumeToken)
	return b
}

func UnmarshalHello(data []byte) (Hello, error) {
	var h Hello
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			h.AgentID = string(v)
		case 2:
			h.NominalName = string(v)
		case 3:
			h.Capabilities = append(h.Capabilities, string(v))
		case 4:
			h.Group = string(v)
		case 5:
			h.ResumeToken = string(v)
		}
		return nil
	})
	return h, err
}

// ─── Welcome (server→agent) ──────────────────────────────────────────────────

type Welcome struct {
	ConnectionID      string
	ServerID          string
	HeartbeatInterval time.Duration
	ResumeToken       string
	AgentID           string
}

func (w Welcome) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, w.ConnectionID)
	b = appendStringField(b, 2, w.ServerID)
	b = appendVarintField(b, 3, uint64(w.HeartbeatInterval))
	b = appendStringField(b, 4, w.ResumeToken)
	b = appendStringField(b, 5, w.AgentID)
	return b
}

func UnmarshalWelcome(data []byte) (Welcome, error) {
	var w Welcome
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			w.ConnectionID = string(v)
		case 2:
			w.ServerID = string(v)
		case 3:
			n, _ := protowire.ConsumeVarint(v)
			w.HeartbeatInterval = time.Duration(n)
		case 4:
			w.ResumeToken = string(v)
		case 5:
			w.AgentID = string(v)
		}
		return nil
	})
	return w, err
}

// ─── Heartbeat (both directions) ─────────────────────────────────────────────

type Heartbeat struct {
	Timestamp  time.Time
	CPUPercent float64
	MemPercent float64
	ActiveJobs int32
}

func (h Heartbeat) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(h.Timestamp.UnixMilli()))
	b = appendVarintField(b, 2, uint64(int64(h.CPUPercent*100)))
	b = appendVarintField(b, 3, uint64(int64(h.MemPercent*100)))
	b = appendVarintField(b, 4, uint64(h.ActiveJobs))
	return b
}

func UnmarshalHeartbeat(data []byte) (Heartbeat, error) {
	var h Heartbeat
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		n, _ := protowire.ConsumeVarint(v)
		switch num {
		case 1:
			h.Timestamp = time.UnixMilli(int64(n))
		case 2:
			h.CPUPercent = float64(int64(n)) / 100
		case 3:
			h.MemPercent = float64(int64(n)) / 100
		case 4:
			h.ActiveJobs = int32(n)
		}
		return nil
	})
	return h, err
}

// ─── Deliver (server→agent) ──────────────────────────────────────────────────

type Deliver struct {
	JobID          string
	IdempotencyKey string
	Command        string
	Payload        []byte
	Priority       int32
	TimeoutMillis  int64
	Attempt        int32
}

func (d Deliver) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, d.JobID)
	b = appendStringField(b, 2, d.IdempotencyKey)
	b = appendStringField(b, 3, d.Command)
	b = appendBytesField(b, 4, d.Payload)
	b = appendVarintField(b, 5, uint64(d.Priority))
	b = appendVarintField(b, 6, uint64(d.TimeoutMillis))
	b = appendVarintField(b, 7, uint64(d.Attempt))
	return b
}

func UnmarshalDeliver(data []byte) (Deliver, error) {
	var d Deliver
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			d.JobID = string(v)
		case 2:
			d.IdempotencyKey = string(v)
		case 3:
			d.Command = string(v)
		case 4:
			d.Payload = append([]byte(nil), v...)
		case 5:
			n, _ := protowire.ConsumeVarint(v)
			d.Priority = int32(n)
		case 6:
			n, _ := protowire.ConsumeVarint(v)
			d.TimeoutMillis = int64(n)
		case 7:
			n, _ := protowire.ConsumeVarint(v)
			d.Attempt = int32(n)
		}
		return nil
	})
	return d, err
}

// ─── AckReject (agent→server) ────────────────────────────────────────────────

type AckReject struct {
	JobID    string
	Accepted bool
	Reason   string
}

func (a AckReject) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.JobID)
	boolVal := uint64(0)
	if a.Accepted {
		boolVal = 1
	}
	b = appendVarintField(b, 2, boolVal)
	b = appendStringField(b, 3, a.Reason)
	return b
}

func UnmarshalAckReject(data []byte) (AckReject, error) {
	var a AckReject
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			a.JobID = string(v)
		case 2:
			n, _ := protowire.ConsumeVarint(v)
			a.Accepted = n != 0
		case 3:
			a.Reason = string(v)
		}
		return nil
	})
	return a, err
}

// ─── Start (agent→server) ────────────────────────────────────────────────────

type Start struct {
	JobID     string
	StartedAt time.Time
}

func (s Start) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, s.JobID)
	b = appendVarintField(b, 2, uint64(s.StartedAt.UnixMilli()))
	return b
}

func UnmarshalStart(data []byte) (Start, error) {
	var s Start
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s.JobID = string(v)
		case 2:
			n, _ := protowire.ConsumeVarint(v)
			s.StartedAt = time.UnixMilli(int64(n))
		}
		return nil
	})
	return s, err
}

// ─── Progress (agent→server) ─────────────────────────────────────────────────

type ProgressFrame struct {
	JobID   string
	Pct     int32
	Message string
	Step    string
}

func (p ProgressFrame) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, p.JobID)
	b = appendVarintField(b, 2, uint64(p.Pct))
	b = appendStringField(b, 3, p.Message)
	b = appendStringField(b, 4, p.Step)
	return b
}

func UnmarshalProgress(data []byte) (ProgressFrame, error) {
	var p ProgressFrame
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			p.JobID = string(v)
		case 2:
			n, _ := protowire.ConsumeVarint(v)
			p.Pct = int32(n)
		case 3:
			p.Message = string(v)
		case 4:
			p.Step = string(v)
		}
		return nil
	})
	return p, err
}

// ─── Result (agent→server) ───────────────────────────────────────────────────

type Result struct {
	JobID       string
	ResultBytes []byte
}

func (r Result) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, r.JobID)
	b = appendBytesField(b, 2, r.ResultBytes)
	return b
}

func UnmarshalResult(data []byte) (Result, error) {
	var r Result
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			r.JobID = string(v)
		case 2:
			r.ResultBytes = append([]byte(nil), v...)
		}
		return nil
	})
	return r, err
}

// ─── Error (agent→server) ────────────────────────────────────────────────────

type ErrorFrame struct {
	JobID     string
	Code      string
	Message   string
	Retryable bool
}

func (e ErrorFrame) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, e.JobID)
	b = appendStringField(b, 2, e.Code)
	b = appendStringField(b, 3, e.Message)
	retryVal := uint64(0)
	if e.Retryable {
		retryVal = 1
	}
	b = appendVarintField(b, 4, retryVal)
	return b
}

func UnmarshalError(data []byte) (ErrorFrame, error) {
	var e ErrorFrame
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			e.JobID = string(v)
		case 2:
			e.Code = string(v)
		case 3:
			e.Message = string(v)
		case 4:
			n, _ := protowire.ConsumeVarint(v)
			e.Retryable = n != 0
		}
		return nil
	})
	return e, err
}

// ─── Cancel (server→agent) ───────────────────────────────────────────────────

type Cancel struct {
	JobID  string
	Reason string
}

func (c Cancel) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, c.JobID)
	b = appendStringField(b, 2, c.Reason)
	return b
}

func UnmarshalCancel(data []byte) (Cancel, error) {
	var c Cancel
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			c.JobID = string(v)
		case 2:
			c.Reason = string(v)
		}
		return nil
	})
	return c, err
}

// ─── StreamItem (agent→server) ───────────────────────────────────────────────

type StreamItem struct {
	JobID       string
	Seq         uint64
	Bytes       []byte
	ContentType string
	IsLast      bool
}

func (s StreamItem) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, s.JobID)
	b = appendVarintField(b, 2, s.Seq)
	b = appendBytesField(b, 3, s.Bytes)
	b = appendStringField(b, 4, s.ContentType)
	lastVal := uint64(0)
	if s.IsLast {
		lastVal = 1
	}
	b = appendVarintField(b, 5, lastVal)
	return b
}

func UnmarshalStreamItem(data []byte) (StreamItem, error) {
	var s StreamItem
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s.JobID = string(v)
		case 2:
			n, _ := protowire.ConsumeVarint(v)
			s.Seq = n
		case 3:
			s.Bytes = append([]byte(nil), v...)
		case 4:
			s.ContentType = string(v)
		case 5:
			n, _ := protowire.ConsumeVarint(v)
			s.IsLast = n != 0
		}
		return nil
	})
	return s, err
}

// ─── Tagged-field helpers ────────────────────────────────────────────────────

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, v)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, v)
	return b
}

// forEachField walks every tagged field in data, handing the raw
// length-delimited or varint payload to fn keyed by field number. Unknown
// field numbers are skipped, giving forward compatibility with future
// protocol versions — a newer agent's extra fields do not break an older
// server's decoder.
func forEachField(data []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("wire: invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid varint: %w", protowire.ParseError(n))
			}
			raw = protowire.AppendVarint(nil, v)
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid bytes: %w", protowire.ParseError(n))
			}
			raw = v
			data = data[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid fixed32: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid fixed64: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		default:
			return fmt.Errorf("wire: unsupported wire type %v", typ)
		}

		if err := fn(num, typ, raw); err != nil {
			return err
		}
	}
	return nil
}
