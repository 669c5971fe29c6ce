// Package oxen defines the typed parcel schema: a projection of decoded
// XENC values onto the envelope and body shapes of the wire protocol.
// Parcel bodies are modeled as a tagged variant — a Kind discriminant plus
// one struct per kind — rather than through dynamic dispatch.
package oxen

import "github.com/ajitek/oxen/internal/sid"

// KeepaliveId identifies a keepalive round-trip, scoped per (local,
// neighbor) pair.
type KeepaliveId uint32

// MsgId uniquely identifies a trackable message on its origin's outbound
// channel to a given destination.
type MsgId uint32

// SeqNum is a stream sequence number for broadcast or one-to-one delivery.
type SeqNum uint32

// BodyKind discriminates which of md/ma/lc, if any, a Parcel carries.
type BodyKind uint8

const (
	BodyNone BodyKind = iota
	BodyMsgData
	BodyMsgAck
	BodyLcGossip
)

// Parcel is the on-wire unit: an envelope of optional keepalive ids plus at
// most one body.
type Parcel struct {
	KeepaliveReq *KeepaliveId // ka: to be echoed by the recipient
	KeepaliveAck *KeepaliveId // kk: echoing a ka we previously received

	Body     BodyKind
	MsgData  MsgData
	MsgAck   MsgAck
	LcGossip LcGossip
}

// MsgData is the "md" body: a message, possibly trackable.
type MsgData struct {
	To   sid.Sid
	From sid.Sid
	Id   *MsgId // absent means fire-and-forget, not tracked
	Data Payload
}

// MsgAck is the "ma" body: acknowledgement of a previously sent message.
type MsgAck struct {
	To   sid.Sid // the original sender, being acknowledged
	From sid.Sid // the acknowledger
	Id   MsgId
}

// LcGossip is the "lc" body: a fragment of the last-contact matrix.
type LcGossip struct {
	// Rows maps an observer Sid to its row values for the Sids in Cols, in
	// the same order as Cols. Missing cells (the observer had no
	// information about that column) are omitted by shortening the row,
	// not by a sentinel value — callers must not assume
	// len(Rows[r]) == len(Cols).
	Rows map[sid.Sid][]RowEntry
	Cols []sid.Sid
}

// RowEntry pairs a gossiped column Sid with the observer's timestamp for
// it, since rows may have gaps relative to Cols.
type RowEntry struct {
	Col sid.Sid
	At  int64 // milliseconds, from the injectable clock
}

// MsgDataKind discriminates the variants of a trackable message's payload.
type MsgDataKind uint8

const (
	// DataRaw means Data.Raw carries an opaque user payload, with no
	// stream-control semantics (e.g. send_datagram/broadcast_datagram
	// content). In-order sends use DataBroadcast/DataOneToOne instead.
	DataRaw MsgDataKind = iota
	DataSync
	DataFinal
	DataBroadcast
	DataOneToOne
)

// Payload is the tagged variant carried in MsgData.Data (the envelope's
// "d" field): either an opaque byte payload, or one of the four
// message-data sub-bodies that declare/carry stream state.
type Payload struct {
	Kind MsgDataKind
	Raw  []byte

	Sync  StreamMarks // DataSync
	Final StreamMarks // DataFinal

	Seq  SeqNum // DataBroadcast, DataOneToOne
	Data []byte // DataBroadcast, DataOneToOne
}

// StreamMarks carries the paired broadcast/one-to-one sequence marks used
// by Synchronize ("one less than the next expected sequence") and
// Finalize ("the last sequence that will ever be sent").
type StreamMarks struct {
	Broadcast SeqNum
	OneToOne  SeqNum
}

// RawPayload builds a Payload carrying opaque bytes.
func RawPayload(b []byte) Payload { return Payload{Kind: DataRaw, Raw: b} }

// SyncPayload builds a Synchronize sub-body.
func SyncPayload(brd, one SeqNum) Payload {
	return Payload{Kind: DataSync, Sync: StreamMarks{Broadcast: brd, OneToOne: one}}
}

// FinalPayload builds a Finalize sub-body.
func FinalPayload(brd, one SeqNum) Payload {
	return Payload{Kind: DataFinal, Final: StreamMarks{Broadcast: brd, OneToOne: one}}
}

// BroadcastPayload builds a Broadcast sub-body carrying data at seq.
func BroadcastPayload(seq SeqNum, data []byte) Payload {
	return Payload{Kind: DataBroadcast, Seq: seq, Data: data}
}

// OneToOnePayload builds a One-to-one sub-body carrying data at seq.
func OneToOnePayload(seq SeqNum, data []byte) Payload {
	return Payload{Kind: DataOneToOne, Seq: seq, Data: data}
}
