package wire

import (
	"errors"
	"reflect"
	"testing"

	"github.com/meshkit/dsched"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	params := WantParams{
		"title": StringValue("notes"),
		"count": IntValue(42),
		"ratio": DoubleValue(0.5),
		"dirty": BoolValue(true),
		"blob":  BytesValue([]byte{0x00, 0x01, 0xff}),
		"zero":  IntValue(0),
	}

	cases := []struct {
		name string
		svc  Service
		cmd  Command
	}{
		{"source_start", ServiceContinue, &SourceStartCmd{
			SrcDeviceID:     "devA",
			SrcBundleName:   "com.example.notes",
			SinkDeviceID:    "devB",
			SinkBundleName:  "com.example.notes",
			ContinueType:    "sameAppType",
			MissionID:       7,
			CallerAppID:     "appid-123",
			SrcBundleNames:  []string{"com.example.notes"},
			SinkBundleNames: []string{"com.example.notes", "com.example.notes.lite"},
			Account:         AccountInfo{Type: 1, GroupIDs: []string{"g1", "g2"}, Assertion: "tok"},
			AppVersion:      3,
			QuickStart:      true,
			Params:          params,
		}},
		{"reply", ServiceContinue, &ReplyCmd{Result: ResultOK, AppVersion: 3}},
		{"reply_reject", ServiceContinue, &ReplyCmd{Result: ResultReject, Reason: "user declined"}},
		{"data", ServiceContinue, &DataCmd{Seq: 0, Params: params}},
		{"sink_start", ServiceCollab, &SinkStartCmd{
			SrcDeviceID:    "devA",
			SinkDeviceID:   "devB",
			SrcBundleName:  "com.example.board",
			SinkBundleName: "com.example.board",
			AbilityName:    "BoardAbility",
			CollabToken:    "tok-1",
			CallerAppID:    "appid-456",
			Account:        AccountInfo{Type: 1},
			Params:         params,
		}},
		{"prepare_result", ServiceCollab, &PrepareResultCmd{CollabToken: "tok-1", Result: ResultFailed, Reason: "no bundle"}},
		{"notify_result", ServiceContinue, &NotifyResultCmd{Result: ResultReject, RejectReason: "user declined"}},
		{"disconnect", ServiceCollab, &DisconnectCmd{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := Pack(tc.svc, tc.cmd)
			if err != nil {
				t.Fatalf("Pack: %v", err)
			}
			svc, got, err := Unpack(buf)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if svc != tc.svc {
				t.Fatalf("service = %q, want %q", svc, tc.svc)
			}
			if got.CmdType() != tc.cmd.CmdType() {
				t.Fatalf("cmd type = %q, want %q", got.CmdType(), tc.cmd.CmdType())
			}
			if !reflect.DeepEqual(got, tc.cmd) {
				t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", got, tc.cmd)
			}
		})
	}
}

func TestUnpackRejectsTruncatedInput(t *testing.T) {
	cases := []struct {
		name string
		buf  *DataBuffer
	}{
		{"nil", nil},
		{"empty", NewDataBuffer(0)},
		{"three_bytes", BufferFrom([]byte{0x01, 0x02, 0x03})},
		{"below_min", BufferFrom([]byte(`{"v":1}`))},
		{"garbage", BufferFrom(make([]byte, 64))},
		{"not_json", BufferFrom([]byte("this is not a json envelope!"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Unpack(tc.buf)
			if !errors.Is(err, dsched.ErrDecode) {
				t.Fatalf("err = %v, want ErrDecode", err)
			}
		})
	}
}

func TestUnpackRejectsUnknownTag(t *testing.T) {
	_, _, err := Unpack(BufferFrom([]byte(`{"v":1,"svc":"continue","cmd":"warp_core_breach"}`)))
	if !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("unknown tag err = %v, want ErrInvalidParameters", err)
	}

	_, _, err = Unpack(BufferFrom([]byte(`{"v":1,"svc":"teleport","cmd":"data"}`)))
	if !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("unknown service err = %v, want ErrInvalidParameters", err)
	}
}

func TestUnpackRejectsVersionMismatch(t *testing.T) {
	_, _, err := Unpack(BufferFrom([]byte(`{"v":9,"svc":"continue","cmd":"data","body":{}}`)))
	if !errors.Is(err, dsched.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestUnpackRejectsMalformedBody(t *testing.T) {
	_, _, err := Unpack(BufferFrom([]byte(`{"v":1,"svc":"continue","cmd":"data","body":{"seq":"NaN"}}`)))
	if !errors.Is(err, dsched.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestWantValueRejectsUnknownKind(t *testing.T) {
	_, _, err := Unpack(BufferFrom([]byte(`{"v":1,"svc":"continue","cmd":"data","body":{"seq":0,"params":{"k":{"kind":"complex128"}}}}`)))
	if !errors.Is(err, dsched.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestResultCodeMapping(t *testing.T) {
	for _, err := range []error{nil, dsched.ErrTimeout, dsched.ErrPeerRejected, dsched.ErrRemoteFailed} {
		if got := ResultError(ResultCode(err)); !errors.Is(got, err) && !(got == nil && err == nil) {
			t.Fatalf("ResultError(ResultCode(%v)) = %v", err, got)
		}
	}
}
