package oxen

import (
	"testing"

	"github.com/ajitek/oxen/internal/sid"
	"github.com/ajitek/oxen/internal/xenc"
)

func roundTrip(t *testing.T, p Parcel) Parcel {
	wire := Encode(p)
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode(Encode(p)) failed: %v", err)
	}
	return got
}

func idPtr(v MsgId) *MsgId { return &v }
func kaPtr(v KeepaliveId) *KeepaliveId { return &v }

func TestCodecEnvelopeOnly(t *testing.T) {
	p := Parcel{KeepaliveReq: kaPtr(10)}
	got := roundTrip(t, p)
	if got.KeepaliveReq == nil || *got.KeepaliveReq != 10 {
		t.Fatalf("got %+v", got)
	}
	if got.KeepaliveAck != nil || got.Body != BodyNone {
		t.Fatalf("unexpected extra state: %+v", got)
	}
}

func TestCodecMsgDataNoId(t *testing.T) {
	p := Parcel{
		Body: BodyMsgData,
		MsgData: MsgData{
			To:   sid.New("abc"),
			From: sid.New("def"),
			Data: RawPayload([]byte("hello")),
		},
	}
	got := roundTrip(t, p)
	if got.Body != BodyMsgData || got.MsgData.Id != nil {
		t.Fatalf("got %+v", got)
	}
	if got.MsgData.To != sid.New("abc") || got.MsgData.From != sid.New("def") {
		t.Fatalf("got %+v", got.MsgData)
	}
	if string(got.MsgData.Data.Raw) != "hello" {
		t.Fatalf("got payload %+v", got.MsgData.Data)
	}
}

func TestCodecMsgDataWithId(t *testing.T) {
	p := Parcel{
		Body: BodyMsgData,
		MsgData: MsgData{
			To:   sid.New("abc"),
			From: sid.New("def"),
			Id:   idPtr(30),
			Data: RawPayload(nil),
		},
	}
	got := roundTrip(t, p)
	if got.MsgData.Id == nil || *got.MsgData.Id != 30 {
		t.Fatalf("got %+v", got.MsgData)
	}
}

func TestCodecSyncFinalBroadcastOneToOne(t *testing.T) {
	cases := []Payload{
		SyncPayload(30, 40),
		FinalPayload(30, 40),
		BroadcastPayload(30, []byte("hello")),
		OneToOnePayload(40, []byte("hello")),
	}
	for _, payload := range cases {
		p := Parcel{
			Body: BodyMsgData,
			MsgData: MsgData{
				To: sid.New("abc"), From: sid.New("def"), Id: idPtr(30), Data: payload,
			},
		}
		got := roundTrip(t, p)
		if got.MsgData.Data.Kind != payload.Kind {
			t.Fatalf("got kind %v, want %v", got.MsgData.Data.Kind, payload.Kind)
		}
	}
}

func TestCodecMsgAck(t *testing.T) {
	p := Parcel{
		Body: BodyMsgAck,
		MsgAck: MsgAck{
			To: sid.New("abc"), From: sid.New("def"), Id: 30,
		},
	}
	got := roundTrip(t, p)
	if got.Body != BodyMsgAck || got.MsgAck.Id != 30 {
		t.Fatalf("got %+v", got)
	}
}

func TestCodecLcGossipEmpty(t *testing.T) {
	p := Parcel{Body: BodyLcGossip, LcGossip: LcGossip{Rows: map[sid.Sid][]RowEntry{}, Cols: nil}}
	got := roundTrip(t, p)
	if got.Body != BodyLcGossip {
		t.Fatalf("got %+v", got)
	}
}

func TestCodecLcGossipPopulated(t *testing.T) {
	p := Parcel{
		Body: BodyLcGossip,
		LcGossip: LcGossip{
			Rows: map[sid.Sid][]RowEntry{
				sid.New("AAA"): {{Col: sid.New("CCC"), At: 3}, {Col: sid.New("DDD"), At: 4}},
				sid.New("BBB"): {{Col: sid.New("CCC"), At: 1}},
			},
			Cols: []sid.Sid{sid.New("CCC"), sid.New("DDD")},
		},
	}
	got := roundTrip(t, p)
	if len(got.LcGossip.Rows[sid.New("AAA")]) != 2 {
		t.Fatalf("got %+v", got.LcGossip)
	}
	if len(got.LcGossip.Cols) != 2 {
		t.Fatalf("got cols %+v", got.LcGossip.Cols)
	}
}

func TestDecodeRejectsUnknownBodyKey(t *testing.T) {
	// A hand-built envelope with an unrecognized body-shaped key.
	raw := []byte("d2:xx3:abce")
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected decode error for unknown envelope key")
	}
}

func TestDecodeRejectsMultipleBodyKeys(t *testing.T) {
	ma := msgAckToXenc(MsgAck{To: sid.New("abc"), From: sid.New("def"), Id: 1})
	v := xenc.DictOf(map[string]xenc.Value{"ma": ma, "lc": ma})
	if _, err := FromXenc(v, Strict); err == nil {
		t.Fatal("expected decode error for multiple body keys")
	}
}

func TestDecodeAllowsUnknownEnvelopeKeyWhenCompat(t *testing.T) {
	raw := []byte("d2:xx3:abce")
	opts := ParseOptions{AllowUnknownEnvelopeKeys: true}
	if _, err := DecodeOpts(raw, opts); err != nil {
		t.Fatalf("expected compat mode to accept unknown key, got %v", err)
	}
}

func TestDecodeRejectsMissingRequiredField(t *testing.T) {
	// "ma" body missing "id"
	raw := []byte("d2:mad2:fr3:def2:to3:abcee")
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected decode error for missing required field")
	}
}
