package cloud

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nugget/halink/internal/config"
)

func TestTopics(t *testing.T) {
	if got := PropertyPostTopic("pk1", "dn1"); got != "sys/pk1/dn1/property/post" {
		t.Errorf("PropertyPostTopic = %q", got)
	}
	if got := ServiceSetTopic("pk1", "dn1"); got != "sys/pk1/dn1/service/set" {
		t.Errorf("ServiceSetTopic = %q", got)
	}
	if got := ServiceSetReplyTopic("pk1", "dn1"); got != "sys/pk1/dn1/service/set_reply" {
		t.Errorf("ServiceSetReplyTopic = %q", got)
	}
	if got := GatewayStatusTopic("halink-gw"); got != "sys/gateway/halink-gw/status" {
		t.Errorf("GatewayStatusTopic = %q", got)
	}
}

func TestParseServiceSetTopic(t *testing.T) {
	tests := []struct {
		topic   string
		pk, dn  string
		wantErr bool
	}{
		{"sys/pk1/dn1/service/set", "pk1", "dn1", false},
		{"sys/pk1/dn1/property/post", "", "", true},
		{"sys/pk1/dn1/service/set_reply", "", "", true},
		{"pk1/dn1/service/set", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		pk, dn, err := ParseServiceSetTopic(tt.topic)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseServiceSetTopic(%q) should fail", tt.topic)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseServiceSetTopic(%q): %v", tt.topic, err)
			continue
		}
		if pk != tt.pk || dn != tt.dn {
			t.Errorf("ParseServiceSetTopic(%q) = %q/%q, want %q/%q", tt.topic, pk, dn, tt.pk, tt.dn)
		}
	}
}

func TestNewPropertyPost(t *testing.T) {
	post := NewPropertyPost(map[string]any{"temp": 21.5, "hum": 48.2})

	if post.ID == "" {
		t.Error("message ID should be set")
	}
	if post.Version != protocolVersion {
		t.Errorf("version = %q, want %q", post.Version, protocolVersion)
	}
	if post.Timestamp == 0 {
		t.Error("timestamp should be set")
	}
	if len(post.Params) != 2 {
		t.Errorf("params = %v", post.Params)
	}

	// IDs must be unique across posts.
	other := NewPropertyPost(nil)
	if other.ID == post.ID {
		t.Error("message IDs should be unique")
	}
}

func TestSetCommand_Unmarshal(t *testing.T) {
	var cmd SetCommand
	raw := `{"id":"42","version":"1.0","params":{"state":1}}`
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cmd.ID != "42" {
		t.Errorf("ID = %q", cmd.ID)
	}
	if cmd.Params.State == nil || *cmd.Params.State != 1 {
		t.Errorf("State = %v", cmd.Params.State)
	}

	// Missing state must stay distinguishable from zero.
	var noState SetCommand
	if err := json.Unmarshal([]byte(`{"id":"43","params":{}}`), &noState); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if noState.Params.State != nil {
		t.Error("missing state should be nil")
	}

	var off SetCommand
	if err := json.Unmarshal([]byte(`{"id":"44","params":{"state":0}}`), &off); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if off.Params.State == nil || *off.Params.State != 0 {
		t.Errorf("State = %v, want explicit 0", off.Params.State)
	}
}

func TestSetReply_Marshal(t *testing.T) {
	reply := SetReply{ID: "42", Code: CodeSuccess, Data: map[string]any{"state": 1}}
	raw, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["id"] != "42" {
		t.Errorf("id = %v", decoded["id"])
	}
	if decoded["code"] != float64(CodeSuccess) {
		t.Errorf("code = %v", decoded["code"])
	}
	if _, ok := decoded["message"]; ok {
		t.Error("empty message should be omitted")
	}
}

func TestSession_ClientID(t *testing.T) {
	s := NewSession(config.CloudConfig{Username: "gw-user"}, nil, nil)
	if got := s.clientID(); got != "halink-gw-user" {
		t.Errorf("default clientID = %q", got)
	}

	s = NewSession(config.CloudConfig{Username: "gw-user", ClientID: "custom-id"}, nil, nil)
	if got := s.clientID(); got != "custom-id" {
		t.Errorf("clientID = %q, want custom-id", got)
	}
}

func TestSession_HandleDownlink(t *testing.T) {
	type call struct {
		pk, dn string
		cmd    SetCommand
	}
	var calls []call

	handler := func(_ context.Context, pk, dn string, cmd SetCommand) {
		calls = append(calls, call{pk, dn, cmd})
	}
	s := NewSession(config.CloudConfig{Username: "u"}, handler, nil)
	s.rootCtx = context.Background()

	s.handleDownlink("sys/pk1/dn1/service/set", []byte(`{"id":"7","params":{"state":1}}`))
	if len(calls) != 1 {
		t.Fatalf("handler called %d times, want 1", len(calls))
	}
	if calls[0].pk != "pk1" || calls[0].dn != "dn1" {
		t.Errorf("routed to %s/%s", calls[0].pk, calls[0].dn)
	}
	if calls[0].cmd.Params.State == nil || *calls[0].cmd.Params.State != 1 {
		t.Errorf("state = %v", calls[0].cmd.Params.State)
	}

	// Wrong topic shape and malformed payloads are dropped.
	s.handleDownlink("sys/pk1/dn1/property/post", []byte(`{}`))
	s.handleDownlink("sys/pk1/dn1/service/set", []byte(`not json`))
	if len(calls) != 1 {
		t.Errorf("handler called %d times after bad inputs, want 1", len(calls))
	}
}
