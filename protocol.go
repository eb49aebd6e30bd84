package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Client -> Server message types
const (
	MsgPos    = "pos"    // buffer a position update
	MsgRot    = "rot"    // buffer a rotation update
	MsgAuth   = "auth"   // private authentication key
	MsgNearby = "nearby" // chunks around the caller
	MsgSub    = "sub"    // start receiving change events
	MsgUnsub  = "unsub"  // stop receiving change events
)

// Server -> Client message types
const (
	MsgWelcome = "welcome"
	MsgError   = "error"
	MsgChunks  = "chunks"
	MsgSubOK   = "sub_ok"
)

// Binary frame tags and sizes
const (
	framePos     = 0x01
	frameRot     = 0x02
	framePosSize = 17 // tag, id u32, x/y/z i32
	frameRotSize = 11 // tag, id u32, rx/ry/rz i16
)

// Envelope wraps all outgoing messages with a type field
type Envelope struct {
	T    string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// InEnvelope is used for incoming messages; json.RawMessage avoids double-unmarshal
type InEnvelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d,omitempty"`
}

// PosMsg is a position update
type PosMsg struct {
	ID uint32 `json:"id"`
	X  int32  `json:"x"`
	Y  int32  `json:"y"`
	Z  int32  `json:"z"`
}

// RotMsg is a rotation update
type RotMsg struct {
	ID uint32 `json:"id"`
	RX int16  `json:"rx"`
	RY int16  `json:"ry"`
	RZ int16  `json:"rz"`
}

// AuthMsg carries a private authentication key
type AuthMsg struct {
	Key string `json:"key"`
}

// NearbyMsg asks for chunks within R chunks of the caller. Zero means the
// default radius.
type NearbyMsg struct {
	R uint32 `json:"r,omitempty"`
}

// SubMsg subscribes to change events, optionally only for some tables
type SubMsg struct {
	Tables []string `json:"tables,omitempty"`
}

// WelcomeMsg is sent once the connection is registered
type WelcomeMsg struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
	State    string `json:"state"`
}

// ChunkView is one entry of a nearby reply, with signed cell coordinates
type ChunkView struct {
	ID uint32 `json:"id"`
	CX int32  `json:"cx"`
	CZ int32  `json:"cz"`
}

// ChunksMsg is the reply to a nearby request
type ChunksMsg struct {
	Chunks []ChunkView `json:"chunks"`
}

// ErrorMsg sends error to client
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// KeyResponse is returned by the key issuing endpoint
type KeyResponse struct {
	Identity  string `json:"identity"`
	Key       string `json:"key"`
	ExpiresIn int    `json:"expires_in"`
}

func chunkViews(chunks []Chunk) []ChunkView {
	views := make([]ChunkView, 0, len(chunks))
	for _, c := range chunks {
		cx, cz := c.Cell()
		views = append(views, ChunkView{ID: uint32(c.ID), CX: cx, CZ: cz})
	}
	return views
}

// decodePosFrame decodes [0x01, id u32, x i32, y i32, z i32], big endian
func decodePosFrame(b []byte) (PosMsg, error) {
	if len(b) != framePosSize || b[0] != framePos {
		return PosMsg{}, fmt.Errorf("bad position frame (%d bytes)", len(b))
	}
	return PosMsg{
		ID: binary.BigEndian.Uint32(b[1:5]),
		X:  int32(binary.BigEndian.Uint32(b[5:9])),
		Y:  int32(binary.BigEndian.Uint32(b[9:13])),
		Z:  int32(binary.BigEndian.Uint32(b[13:17])),
	}, nil
}

// decodeRotFrame decodes [0x02, id u32, rx i16, ry i16, rz i16], big endian
func decodeRotFrame(b []byte) (RotMsg, error) {
	if len(b) != frameRotSize || b[0] != frameRot {
		return RotMsg{}, fmt.Errorf("bad rotation frame (%d bytes)", len(b))
	}
	return RotMsg{
		ID: binary.BigEndian.Uint32(b[1:5]),
		RX: int16(binary.BigEndian.Uint16(b[5:7])),
		RY: int16(binary.BigEndian.Uint16(b[7:9])),
		RZ: int16(binary.BigEndian.Uint16(b[9:11])),
	}, nil
}

// EncodePosFrame builds a binary position frame
func EncodePosFrame(m PosMsg) []byte {
	b := make([]byte, framePosSize)
	b[0] = framePos
	binary.BigEndian.PutUint32(b[1:5], m.ID)
	binary.BigEndian.PutUint32(b[5:9], uint32(m.X))
	binary.BigEndian.PutUint32(b[9:13], uint32(m.Y))
	binary.BigEndian.PutUint32(b[13:17], uint32(m.Z))
	return b
}

// EncodeRotFrame builds a binary rotation frame
func EncodeRotFrame(m RotMsg) []byte {
	b := make([]byte, frameRotSize)
	b[0] = frameRot
	binary.BigEndian.PutUint32(b[1:5], m.ID)
	binary.BigEndian.PutUint16(b[5:7], uint16(m.RX))
	binary.BigEndian.PutUint16(b[7:9], uint16(m.RY))
	binary.BigEndian.PutUint16(b[9:11], uint16(m.RZ))
	return b
}
