package oxen

import (
	"fmt"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/internal/xenc"
	"github.com/ajitek/oxen/pkg/oxenerr"
)

// envelope keys
const (
	keyKa = "ka"
	keyKk = "kk"
	keyMd = "md"
	keyMa = "ma"
	keyLc = "lc"
)

// ParseOptions controls the strictness of envelope parsing.
type ParseOptions struct {
	// AllowUnknownEnvelopeKeys, when true, ignores envelope-level dict
	// keys outside {ka, kk, md, ma, lc} instead of rejecting them. The
	// default (false) is strict.
	AllowUnknownEnvelopeKeys bool
}

// Strict is the default, spec-mandated parse behavior.
var Strict = ParseOptions{}

// Encode serializes a Parcel to its canonical wire bytes.
func Encode(p Parcel) []byte {
	return xenc.Encode(ToXenc(p))
}

// Decode parses wire bytes into a Parcel using strict envelope rules.
func Decode(b []byte) (Parcel, error) {
	return DecodeOpts(b, Strict)
}

// DecodeOpts parses wire bytes into a Parcel under the given ParseOptions.
func DecodeOpts(b []byte, opts ParseOptions) (Parcel, error) {
	v, err := xenc.Decode(b)
	if err != nil {
		return Parcel{}, oxenerr.Wrap(oxenerr.ErrDecode, err.Error())
	}
	return FromXenc(v, opts)
}

// ToXenc converts a Parcel to its generic XENC representation.
func ToXenc(p Parcel) xenc.Value {
	m := make(map[string]xenc.Value)

	if p.KeepaliveReq != nil {
		m[keyKa] = xenc.Int64(int64(*p.KeepaliveReq))
	}
	if p.KeepaliveAck != nil {
		m[keyKk] = xenc.Int64(int64(*p.KeepaliveAck))
	}

	switch p.Body {
	case BodyNone:
		// no body key
	case BodyMsgData:
		m[keyMd] = msgDataToXenc(p.MsgData)
	case BodyMsgAck:
		m[keyMa] = msgAckToXenc(p.MsgAck)
	case BodyLcGossip:
		m[keyLc] = lcGossipToXenc(p.LcGossip)
	}

	return xenc.DictOf(m)
}

// FromXenc projects a decoded XENC value onto the Parcel schema, enforcing
// the envelope-level rules: unknown body keys are rejected, more than one
// body key is rejected, and (unless opts allows it) unknown envelope keys
// outside {ka,kk,md,ma,lc} are rejected.
func FromXenc(v xenc.Value, opts ParseOptions) (Parcel, error) {
	dict, ok := v.AsDict()
	if !ok {
		return Parcel{}, oxenerr.Wrap(oxenerr.ErrDecode, "parcel envelope must be a dict")
	}

	var p Parcel

	if kaV, ok := dict[keyKa]; ok {
		id, err := asKeepaliveId(kaV)
		if err != nil {
			return Parcel{}, err
		}
		p.KeepaliveReq = &id
	}
	if kkV, ok := dict[keyKk]; ok {
		id, err := asKeepaliveId(kkV)
		if err != nil {
			return Parcel{}, err
		}
		p.KeepaliveAck = &id
	}

	bodyKeysPresent := 0
	knownKeys := map[string]bool{keyKa: true, keyKk: true, keyMd: true, keyMa: true, keyLc: true}

	for k := range dict {
		if k == keyMd || k == keyMa || k == keyLc {
			bodyKeysPresent++
		} else if !knownKeys[k] && !opts.AllowUnknownEnvelopeKeys {
			return Parcel{}, oxenerr.Wrap(oxenerr.ErrDecode, fmt.Sprintf("unknown envelope key %q", k))
		}
	}
	if bodyKeysPresent > 1 {
		return Parcel{}, oxenerr.Wrap(oxenerr.ErrDecode, "more than one body key present")
	}

	switch {
	case bodyKeysPresent == 0:
		p.Body = BodyNone

	case hasKey(dict, keyMd):
		md, err := msgDataFromXenc(dict[keyMd])
		if err != nil {
			return Parcel{}, err
		}
		p.Body = BodyMsgData
		p.MsgData = md

	case hasKey(dict, keyMa):
		ma, err := msgAckFromXenc(dict[keyMa])
		if err != nil {
			return Parcel{}, err
		}
		p.Body = BodyMsgAck
		p.MsgAck = ma

	case hasKey(dict, keyLc):
		lc, err := lcGossipFromXenc(dict[keyLc])
		if err != nil {
			return Parcel{}, err
		}
		p.Body = BodyLcGossip
		p.LcGossip = lc
	}

	return p, nil
}

func hasKey(m map[string]xenc.Value, k string) bool {
	_, ok := m[k]
	return ok
}

func asKeepaliveId(v xenc.Value) (KeepaliveId, error) {
	n, ok := v.AsInt64()
	if !ok {
		return 0, oxenerr.Wrap(oxenerr.ErrDecode, "keepalive id must be an integer")
	}
	return KeepaliveId(uint32(n)), nil
}

func sidToXenc(s sid.Sid) xenc.Value { return xenc.Bytes(s.Bytes()) }

func sidFromXenc(v xenc.Value) (sid.Sid, error) {
	b, ok := v.AsBytes()
	if !ok {
		return "", oxenerr.Wrap(oxenerr.ErrDecode, "sid must be an octet string")
	}
	return sid.New(string(b)), nil
}

// --- md ---

func msgDataToXenc(md MsgData) xenc.Value {
	m := map[string]xenc.Value{
		"to": sidToXenc(md.To),
		"fr": sidToXenc(md.From),
		"d":  payloadToXenc(md.Data),
	}
	if md.Id != nil {
		m["id"] = xenc.Int64(int64(*md.Id))
	}
	return xenc.DictOf(m)
}

func msgDataFromXenc(v xenc.Value) (MsgData, error) {
	dict, ok := v.AsDict()
	if !ok {
		return MsgData{}, oxenerr.Wrap(oxenerr.ErrDecode, "md body must be a dict")
	}

	toV, ok := dict["to"]
	if !ok {
		return MsgData{}, oxenerr.Wrap(oxenerr.ErrDecode, "md missing required field \"to\"")
	}
	to, err := sidFromXenc(toV)
	if err != nil {
		return MsgData{}, err
	}

	frV, ok := dict["fr"]
	if !ok {
		return MsgData{}, oxenerr.Wrap(oxenerr.ErrDecode, "md missing required field \"fr\"")
	}
	fr, err := sidFromXenc(frV)
	if err != nil {
		return MsgData{}, err
	}

	dV, ok := dict["d"]
	if !ok {
		return MsgData{}, oxenerr.Wrap(oxenerr.ErrDecode, "md missing required field \"d\"")
	}
	payload, err := payloadFromXenc(dV)
	if err != nil {
		return MsgData{}, err
	}

	md := MsgData{To: to, From: fr, Data: payload}
	if idV, ok := dict["id"]; ok {
		n, ok := idV.AsInt64()
		if !ok {
			return MsgData{}, oxenerr.Wrap(oxenerr.ErrDecode, "md \"id\" must be an integer")
		}
		id := MsgId(uint32(n))
		md.Id = &id
	}
	return md, nil
}

// --- ma ---

func msgAckToXenc(ma MsgAck) xenc.Value {
	return xenc.DictOf(map[string]xenc.Value{
		"to": sidToXenc(ma.To),
		"fr": sidToXenc(ma.From),
		"id": xenc.Int64(int64(ma.Id)),
	})
}

func msgAckFromXenc(v xenc.Value) (MsgAck, error) {
	dict, ok := v.AsDict()
	if !ok {
		return MsgAck{}, oxenerr.Wrap(oxenerr.ErrDecode, "ma body must be a dict")
	}

	toV, ok := dict["to"]
	if !ok {
		return MsgAck{}, oxenerr.Wrap(oxenerr.ErrDecode, "ma missing required field \"to\"")
	}
	to, err := sidFromXenc(toV)
	if err != nil {
		return MsgAck{}, err
	}

	frV, ok := dict["fr"]
	if !ok {
		return MsgAck{}, oxenerr.Wrap(oxenerr.ErrDecode, "ma missing required field \"fr\"")
	}
	fr, err := sidFromXenc(frV)
	if err != nil {
		return MsgAck{}, err
	}

	idV, ok := dict["id"]
	if !ok {
		return MsgAck{}, oxenerr.Wrap(oxenerr.ErrDecode, "ma missing required field \"id\"")
	}
	n, ok := idV.AsInt64()
	if !ok {
		return MsgAck{}, oxenerr.Wrap(oxenerr.ErrDecode, "ma \"id\" must be an integer")
	}

	return MsgAck{To: to, From: fr, Id: MsgId(uint32(n))}, nil
}

// --- lc ---

func lcGossipToXenc(lc LcGossip) xenc.Value {
	rows := make(map[string]xenc.Value, len(lc.Rows))
	for observer, entries := range lc.Rows {
		list := make([]xenc.Value, 0, len(entries)*2)
		for _, e := range entries {
			list = append(list, sidToXenc(e.Col), xenc.TimeMs(e.At))
		}
		rows[string(observer.Bytes())] = xenc.ListOf(list...)
	}

	cols := make([]xenc.Value, 0, len(lc.Cols))
	for _, c := range lc.Cols {
		cols = append(cols, sidToXenc(c))
	}

	return xenc.DictOf(map[string]xenc.Value{
		"rows": xenc.DictOf(rows),
		"cols": xenc.ListOf(cols...),
	})
}

func lcGossipFromXenc(v xenc.Value) (LcGossip, error) {
	dict, ok := v.AsDict()
	if !ok {
		return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc body must be a dict")
	}

	rowsV, ok := dict["rows"]
	if !ok {
		return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc missing required field \"rows\"")
	}
	rowsDict, ok := rowsV.AsDict()
	if !ok {
		return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc \"rows\" must be a dict")
	}

	rows := make(map[sid.Sid][]RowEntry, len(rowsDict))
	for observerKey, rowV := range rowsDict {
		rowList, ok := rowV.AsList()
		if !ok || len(rowList)%2 != 0 {
			return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc row must be a flat [sid, time, ...] list")
		}
		entries := make([]RowEntry, 0, len(rowList)/2)
		for i := 0; i+1 < len(rowList); i += 2 {
			colSid, err := sidFromXenc(rowList[i])
			if err != nil {
				return LcGossip{}, err
			}
			at, ok := rowList[i+1].AsTimeMs()
			if !ok {
				return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc row entry must be a timestamp")
			}
			entries = append(entries, RowEntry{Col: colSid, At: at})
		}
		rows[sid.New(observerKey)] = entries
	}

	colsV, ok := dict["cols"]
	if !ok {
		return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc missing required field \"cols\"")
	}
	colsList, ok := colsV.AsList()
	if !ok {
		return LcGossip{}, oxenerr.Wrap(oxenerr.ErrDecode, "lc \"cols\" must be a list")
	}
	cols := make([]sid.Sid, 0, len(colsList))
	for _, cv := range colsList {
		c, err := sidFromXenc(cv)
		if err != nil {
			return LcGossip{}, err
		}
		cols = append(cols, c)
	}

	return LcGossip{Rows: rows, Cols: cols}, nil
}

// --- md sub-bodies (the "d" field) ---

func payloadToXenc(p Payload) xenc.Value {
	switch p.Kind {
	case DataRaw:
		return xenc.Bytes(p.Raw)

	case DataSync:
		return xenc.DictOf(map[string]xenc.Value{
			"m": xenc.Str("s"),
			"b": xenc.Int64(int64(p.Sync.Broadcast)),
			"1": xenc.Int64(int64(p.Sync.OneToOne)),
		})

	case DataFinal:
		return xenc.DictOf(map[string]xenc.Value{
			"m": xenc.Str("f"),
			"b": xenc.Int64(int64(p.Final.Broadcast)),
			"1": xenc.Int64(int64(p.Final.OneToOne)),
		})

	case DataBroadcast:
		return xenc.DictOf(map[string]xenc.Value{
			"m": xenc.Str("b"),
			"s": xenc.Int64(int64(p.Seq)),
			"d": xenc.Bytes(p.Data),
		})

	case DataOneToOne:
		return xenc.DictOf(map[string]xenc.Value{
			"m": xenc.Str("1"),
			"s": xenc.Int64(int64(p.Seq)),
			"d": xenc.Bytes(p.Data),
		})

	default:
		panic("oxen: unknown Payload Kind")
	}
}

func payloadFromXenc(v xenc.Value) (Payload, error) {
	if raw, ok := v.AsBytes(); ok {
		return RawPayload(raw), nil
	}

	dict, ok := v.AsDict()
	if !ok {
		return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md \"d\" must be octets or a sub-body dict")
	}

	mV, ok := dict["m"]
	if !ok {
		return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md sub-body missing discriminant \"m\"")
	}
	m, ok := mV.AsBytes()
	if !ok {
		return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md sub-body \"m\" must be an octet string")
	}

	readSeqNum := func(key string) (SeqNum, error) {
		fv, ok := dict[key]
		if !ok {
			return 0, oxenerr.Wrap(oxenerr.ErrDecode, fmt.Sprintf("md sub-body missing field %q", key))
		}
		n, ok := fv.AsInt64()
		if !ok {
			return 0, oxenerr.Wrap(oxenerr.ErrDecode, fmt.Sprintf("md sub-body field %q must be an integer", key))
		}
		return SeqNum(uint32(n)), nil
	}

	switch string(m) {
	case "s":
		brd, err := readSeqNum("b")
		if err != nil {
			return Payload{}, err
		}
		one, err := readSeqNum("1")
		if err != nil {
			return Payload{}, err
		}
		return SyncPayload(brd, one), nil

	case "f":
		brd, err := readSeqNum("b")
		if err != nil {
			return Payload{}, err
		}
		one, err := readSeqNum("1")
		if err != nil {
			return Payload{}, err
		}
		return FinalPayload(brd, one), nil

	case "b":
		seq, err := readSeqNum("s")
		if err != nil {
			return Payload{}, err
		}
		dV, ok := dict["d"]
		if !ok {
			return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md sub-body \"b\" missing field \"d\"")
		}
		data, ok := dV.AsBytes()
		if !ok {
			return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md sub-body \"b\" field \"d\" must be octets")
		}
		return BroadcastPayload(seq, data), nil

	case "1":
		seq, err := readSeqNum("s")
		if err != nil {
			return Payload{}, err
		}
		dV, ok := dict["d"]
		if !ok {
			return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md sub-body \"1\" missing field \"d\"")
		}
		data, ok := dV.AsBytes()
		if !ok {
			return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, "md sub-body \"1\" field \"d\" must be octets")
		}
		return OneToOnePayload(seq, data), nil

	default:
		return Payload{}, oxenerr.Wrap(oxenerr.ErrDecode, fmt.Sprintf("unknown md sub-body discriminant %q", string(m)))
	}
}
