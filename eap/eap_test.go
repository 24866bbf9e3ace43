package eap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCallbacks struct {
	responses [][]byte
	msk, emsk []byte
	failed    bool
	errs      []error
}

func (f *fakeCallbacks) OnResponse(frame []byte)    { f.responses = append(f.responses, frame) }
func (f *fakeCallbacks) OnSuccess(msk, emsk []byte) { f.msk, f.emsk = msk, emsk }
func (f *fakeCallbacks) OnFailure()                 { f.failed = true }
func (f *fakeCallbacks) OnError(err error)          { f.errs = append(f.errs, err) }

func newTestSession(cb *fakeCallbacks) *Session {
	return NewSession("alice@example.com", []Type{TypeAKA}, func(t Type) (Method, error) {
		return nil, ErrInvalidRequest
	}, cb)
}

func TestSession_CreatedRequestIdentity_MovesToIdentity(t *testing.T) {
	cb := &fakeCallbacks{}
	s := newTestSession(cb)

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 1, Type: TypeIdentity})

	assert.Equal(t, StateIdentity, s.State())
	require.Len(t, cb.responses, 1)
	reply, err := Decode(cb.responses[0])
	require.NoError(t, err)
	assert.Equal(t, CodeResponse, reply.Code)
	assert.Equal(t, TypeIdentity, reply.Type)
	assert.Equal(t, "alice@example.com", string(reply.TypeData))
}

func TestSession_CreatedRequestNotification_StaysCreated(t *testing.T) {
	cb := &fakeCallbacks{}
	s := newTestSession(cb)

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 2, Type: TypeNotification})

	assert.Equal(t, StateCreated, s.State())
	require.Len(t, cb.responses, 1)
	reply, err := Decode(cb.responses[0])
	require.NoError(t, err)
	assert.Equal(t, CodeResponse, reply.Code)
	assert.Equal(t, TypeNotification, reply.Type)
}

func TestSession_CreatedRequestNak_InvalidRequest(t *testing.T) {
	cb := &fakeCallbacks{}
	s := newTestSession(cb)

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 3, Type: TypeNak})

	assert.Equal(t, StateCreated, s.State())
	assert.Empty(t, cb.responses)
	require.Len(t, cb.errs, 1)
	assert.Equal(t, ErrInvalidRequest, cb.errs[0])
}

// stubMethod answers every request with fixed TypeData and never
// finishes, enough to observe the session entering StateMethod.
type stubMethod struct {
	typ Type
}

func (m stubMethod) Type() Type { return m.typ }

func (m stubMethod) HandleRequest(identifier uint8, subtypeAndAttrs []byte) ([]byte, bool, []byte, []byte, error) {
	return []byte{0xAB}, false, nil, nil, nil
}

func TestSession_CreatedMethodRequest_SkipsIdentity(t *testing.T) {
	cb := &fakeCallbacks{}
	s := NewSession("alice@example.com", []Type{TypeAKA}, func(tp Type) (Method, error) {
		if tp != TypeAKA {
			return nil, ErrInvalidRequest
		}
		return stubMethod{typ: tp}, nil
	}, cb)

	// An authenticator that already knows the identity opens with the
	// method Request directly.
	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 5, Type: TypeAKA, TypeData: []byte{0x01, 0x00, 0x00}})

	assert.Equal(t, StateMethod, s.State())
	assert.Empty(t, cb.errs)
	require.Len(t, cb.responses, 1)
	reply, err := Decode(cb.responses[0])
	require.NoError(t, err)
	assert.Equal(t, CodeResponse, reply.Code)
	assert.Equal(t, TypeAKA, reply.Type)
}

func TestSession_CreatedUnsupportedMethodRequest_Naks(t *testing.T) {
	cb := &fakeCallbacks{}
	s := newTestSession(cb) // factory rejects everything

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 6, Type: TypeSIM})

	assert.Equal(t, StateCreated, s.State())
	require.Len(t, cb.responses, 1)
	reply, err := Decode(cb.responses[0])
	require.NoError(t, err)
	assert.Equal(t, CodeResponse, reply.Code)
	assert.Equal(t, TypeNak, reply.Type)
}

func TestSession_CreatedResponseNotification_InvalidRequest(t *testing.T) {
	cb := &fakeCallbacks{}
	s := newTestSession(cb)

	s.HandlePacket(&Packet{Code: CodeResponse, Identifier: 4, Type: TypeNotification})

	assert.Equal(t, StateCreated, s.State())
	assert.Empty(t, cb.responses)
	require.Len(t, cb.errs, 1)
	assert.Equal(t, ErrInvalidRequest, cb.errs[0])
}

func TestSession_UnsupportedMethod_RespondsNak(t *testing.T) {
	cb := &fakeCallbacks{}
	s := NewSession("alice@example.com", []Type{TypeAKA, TypeAKAPrime}, func(t Type) (Method, error) {
		return nil, ErrInvalidRequest
	}, cb)

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 5, Type: TypeIdentity})
	cb.responses = nil
	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 6, Type: TypeSIM})

	assert.Equal(t, StateIdentity, s.State())
	require.Len(t, cb.responses, 1)
	reply, err := Decode(cb.responses[0])
	require.NoError(t, err)
	assert.Equal(t, TypeNak, reply.Type)
	assert.ElementsMatch(t, []byte{uint8(TypeAKA), uint8(TypeAKAPrime)}, reply.TypeData)
}

type stubMethodWithKeys struct {
	typ      Type
	response []byte
	done     bool
	msk      []byte
	emsk     []byte
}

func (m *stubMethodWithKeys) Type() Type { return m.typ }
func (m *stubMethodWithKeys) HandleRequest(identifier uint8, data []byte) ([]byte, bool, []byte, []byte, error) {
	return m.response, m.done, m.msk, m.emsk, nil
}

func TestSession_MethodSuccess_YieldsKeysOnEapSuccess(t *testing.T) {
	cb := &fakeCallbacks{}
	method := &stubMethodWithKeys{typ: TypeAKA, response: []byte{0xAA}, done: true, msk: []byte("msk"), emsk: []byte("emsk")}
	s := NewSession("alice@example.com", []Type{TypeAKA}, func(t Type) (Method, error) {
		return method, nil
	}, cb)

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 1, Type: TypeIdentity})
	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 2, Type: TypeAKA, TypeData: []byte{1, 0, 0}})
	assert.Equal(t, StateMethod, s.State())

	s.HandlePacket(&Packet{Code: CodeSuccess, Identifier: 3})
	assert.Equal(t, StateSuccess, s.State())
	assert.Equal(t, []byte("msk"), cb.msk)
	assert.Equal(t, []byte("emsk"), cb.emsk)
}

func TestSession_EapFailure_ReportsFailure(t *testing.T) {
	cb := &fakeCallbacks{}
	method := &stubMethodWithKeys{typ: TypeAKA}
	s := NewSession("alice@example.com", []Type{TypeAKA}, func(t Type) (Method, error) {
		return method, nil
	}, cb)

	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 1, Type: TypeIdentity})
	s.HandlePacket(&Packet{Code: CodeRequest, Identifier: 2, Type: TypeAKA, TypeData: []byte{1, 0, 0}})
	s.HandlePacket(&Packet{Code: CodeFailure, Identifier: 3})

	assert.Equal(t, StateFailure, s.State())
	assert.True(t, cb.failed)
}
