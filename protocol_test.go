package main

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestPosFrameRoundTrip(t *testing.T) {
	in := PosMsg{ID: 70000, X: -5, Y: 2147483647, Z: -2147483648}
	b := EncodePosFrame(in)
	if len(b) != 17 || b[0] != 0x01 {
		t.Fatalf("unexpected frame % x", b)
	}
	out, err := decodePosFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestRotFrameRoundTrip(t *testing.T) {
	in := RotMsg{ID: 3, RX: -32768, RY: 0, RZ: 32767}
	b := EncodeRotFrame(in)
	if len(b) != 11 || b[0] != 0x02 {
		t.Fatalf("unexpected frame % x", b)
	}
	out, err := decodeRotFrame(b)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestFrameRejectsBadInput(t *testing.T) {
	if _, err := decodePosFrame([]byte{0x01, 0, 0}); err == nil {
		t.Error("short position frame should fail")
	}
	if _, err := decodeRotFrame(EncodePosFrame(PosMsg{})); err == nil {
		t.Error("position frame decoded as rotation should fail")
	}
}

func TestChunkViewsSigned(t *testing.T) {
	views := chunkViews([]Chunk{{ID: 1, ChunkX: 0xFFFFFFFE, ChunkZ: 3}})
	if views[0].CX != -2 || views[0].CZ != 3 {
		t.Errorf("unexpected view %+v", views[0])
	}
}

func TestSchemasValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		s, err := jsonschema.Compile(filepath.Join("schemas", name))
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}
	asAny := func(v interface{}) interface{} {
		t.Helper()
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	client := compile("client.schema.json")
	valid := []Envelope{
		{T: MsgPos, Data: PosMsg{ID: 1, X: -10, Y: 0, Z: 20}},
		{T: MsgRot, Data: RotMsg{ID: 1, RX: 90, RY: -90, RZ: 0}},
		{T: MsgAuth, Data: AuthMsg{Key: "k"}},
		{T: MsgNearby, Data: NearbyMsg{R: 3}},
		{T: MsgNearby},
		{T: MsgSub, Data: SubMsg{Tables: []string{TablePosition, TableChunk}}},
		{T: MsgUnsub},
	}
	for _, env := range valid {
		if err := client.Validate(asAny(env)); err != nil {
			t.Errorf("%s should validate: %v", env.T, err)
		}
	}
	invalid := []interface{}{
		map[string]interface{}{"t": "teleport"},
		map[string]interface{}{"t": "pos", "d": map[string]interface{}{"id": 1, "x": 1}},
		map[string]interface{}{"t": "rot", "d": map[string]interface{}{"id": 1, "rx": 40000, "ry": 0, "rz": 0}},
		map[string]interface{}{"t": "sub", "d": map[string]interface{}{"tables": []string{"secrets"}}},
	}
	for _, v := range invalid {
		if err := client.Validate(asAny(v)); err == nil {
			t.Errorf("%v should not validate", v)
		}
	}

	welcome := compile("welcome.schema.json")
	if err := welcome.Validate(asAny(Envelope{T: MsgWelcome, Data: WelcomeMsg{
		Identity: "3f8a", Token: "tok", State: StateGuest.String(),
	}})); err != nil {
		t.Errorf("welcome: %v", err)
	}

	chunks := compile("chunks.schema.json")
	reply := Envelope{T: MsgChunks, Data: ChunksMsg{Chunks: chunkViews([]Chunk{{ID: 4, ChunkX: 1, ChunkZ: 0xFFFFFFFF}})}}
	if err := chunks.Validate(asAny(reply)); err != nil {
		t.Errorf("chunks: %v", err)
	}
}
