// Package providerbridge implements the per-session wire protocol spoken to
// each web origin (spec.md §6 "Provider wire protocol"). The browser
// extension's message-transport plumbing and the in-page provider injected
// into web pages are external collaborators out of scope here; this package
// only defines the envelope shapes that cross that boundary and the session
// bookkeeping needed to answer a handshake, forward a request into
// internal/rpcengine, and fan out chain/account/lock events. Grounded on
// internal/messenger.go's subscribe/publish idiom (the same pattern
// internal/uibridge uses one level up, applied here per web session instead
// of per UI surface) and src/chainadapter/adapter.go's per-request dispatch
// shape, generalized from one Go-side caller to one caller per registered
// web session.
package providerbridge

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/shieldkey/walletcore/internal/approval"
	"github.com/shieldkey/walletcore/internal/chainref"
	"github.com/shieldkey/walletcore/internal/keyring"
	"github.com/shieldkey/walletcore/internal/messenger"
	"github.com/shieldkey/walletcore/internal/network"
	"github.com/shieldkey/walletcore/internal/rpcengine"
	"github.com/shieldkey/walletcore/internal/vault"
	"github.com/shieldkey/walletcore/internal/werrors"
)

// Channel is the fixed channel name carried by every envelope (spec.md §6:
// "Channel name: fixed constant").
const Channel = "shieldkey-walletcore"

// ProtocolVersion is advertised in every handshake_ack.
const ProtocolVersion = 1

// EnvelopeType discriminates the envelope's payload shape.
type EnvelopeType string

const (
	EnvelopeHandshake    EnvelopeType = "handshake"
	EnvelopeHandshakeAck EnvelopeType = "handshake_ack"
	EnvelopeRequest      EnvelopeType = "request"
	EnvelopeResponse     EnvelopeType = "response"
	EnvelopeEvent        EnvelopeType = "event"
)

// Envelope is the wire shape for every message exchanged with a web session
// (spec.md §6: `{channel, sessionId, type, ...}`).
type Envelope struct {
	Channel   string          `json:"channel"`
	SessionID string          `json:"sessionId"`
	Type      EnvelopeType    `json:"type"`
	ID        string          `json:"id,omitempty"`     // request/response correlation id
	Method    string          `json:"method,omitempty"` // request only
	Params    json.RawMessage `json:"params,omitempty"` // request only
	Result    any             `json:"result,omitempty"` // response only, on success
	Error     *WireError      `json:"error,omitempty"`  // response only, on failure
	Event     string          `json:"event,omitempty"`  // event only
	Data      any             `json:"data,omitempty"`   // handshake_ack / event payload
}

// WireError is the JSON-RPC error object a rejected request or approval
// serializes to at the transport boundary (spec.md §7: "preserving code and
// data").
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// toWireError maps a werrors.Error to its JSON-RPC wire shape. Every reason
// maps to the generic internal code except approval-rejected, which the
// domain error package pins to 4001 (spec.md §7).
func toWireError(err error) *WireError {
	we, ok := err.(*werrors.Error)
	if !ok {
		return &WireError{Code: -32603, Message: err.Error()}
	}
	code := -32603
	if we.Reason == werrors.ReasonRPCApprovalRejected {
		code = werrors.JSONRPCApprovalRejectedCode
	}
	return &WireError{Code: code, Message: we.Message, Data: we.Data}
}

// HandshakeAckMeta is the handshake_ack payload's nested meta object.
type HandshakeAckMeta struct {
	ActiveChain     string   `json:"activeChain"`
	ActiveNamespace string   `json:"activeNamespace"`
	SupportedChains []string `json:"supportedChains"`
}

// HandshakeAck is the handshake_ack envelope's Data payload.
type HandshakeAck struct {
	ProtocolVersion int              `json:"protocolVersion"`
	HandshakeID     string           `json:"handshakeId"`
	ChainID         string           `json:"chainId"` // hex
	CAIP2           string           `json:"caip2"`
	Accounts        []string         `json:"accounts"`
	IsUnlocked      bool             `json:"isUnlocked"`
	Meta            HandshakeAckMeta `json:"meta"`
}

// ConnectEvent is the Data payload of an "event" envelope with Event ==
// "connect".
type ConnectEvent struct {
	ChainID    string   `json:"chainId"`
	Accounts   []string `json:"accounts"`
	IsUnlocked bool     `json:"isUnlocked"`
}

// Sender is the abstract per-session transport sink this package writes
// envelopes to. The concrete transport (WebSocket, extension message port,
// or anything else) is an external collaborator outside this module's
// scope, mirroring how internal/storage only specifies ports.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// session is one registered web origin's bookkeeping.
type session struct {
	origin string
	sender Sender
}

// Bridge manages every registered web session and forwards their requests
// into an rpcengine.Engine, broadcasting chain/account/lock-state events as
// they occur.
type Bridge struct {
	engine *rpcengine.Engine
	net    *network.Service
	keys   *keyring.Service
	vlt    *vault.Vault
	msgr   *messenger.Messenger
	log    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session

	unsubs []messenger.Unsubscribe
}

// New constructs a Bridge and subscribes it to the cross-controller topics
// it forwards as provider events.
func New(engine *rpcengine.Engine, net *network.Service, keys *keyring.Service, v *vault.Vault, msgr *messenger.Messenger, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{
		engine:   engine,
		net:      net,
		keys:     keys,
		vlt:      v,
		msgr:     msgr,
		log:      log,
		sessions: make(map[string]*session),
	}
	b.unsubs = append(b.unsubs,
		msgr.Subscribe(network.TopicChainChanged, func(payload any) {
			b.broadcastChainChanged(context.Background())
		}),
		msgr.Subscribe(keyring.TopicAccountsChanged, func(payload any) {
			b.broadcastAccountsChanged(context.Background())
		}),
		msgr.Subscribe(vault.TopicLocked, func(payload any) {
			b.broadcastDisconnect(context.Background(), nil)
		}),
		msgr.Subscribe(vault.TopicUnlocked, func(payload any) {
			b.broadcastConnect(context.Background())
		}),
	)
	return b
}

// Destroy unsubscribes from every messenger topic.
func (b *Bridge) Destroy() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

// RegisterSession records sender as the transport for sessionID, originated
// from origin. The caller's transport layer owns connection lifetime; this
// only tracks where to deliver forwarded events.
func (b *Bridge) RegisterSession(sessionID, origin string, sender Sender) {
	b.mu.Lock()
	b.sessions[sessionID] = &session{origin: origin, sender: sender}
	b.mu.Unlock()
}

// UnregisterSession drops sessionID's bookkeeping once its transport closes.
func (b *Bridge) UnregisterSession(sessionID string) {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
}

// HandleEnvelope processes one inbound envelope from sessionID and returns
// any synchronous reply to deliver back over the same transport (a
// handshake_ack or a response envelope). Event envelopes are never produced
// synchronously here; they are pushed out-of-band via the broadcast* methods.
func (b *Bridge) HandleEnvelope(ctx context.Context, sessionID string, in Envelope) (Envelope, error) {
	switch in.Type {
	case EnvelopeHandshake:
		return b.handshakeAck(sessionID), nil
	case EnvelopeRequest:
		return b.dispatchRequest(ctx, sessionID, in)
	default:
		return Envelope{}, werrors.New(werrors.ReasonRPCInvalidRequest, "unsupported envelope type for inbound message")
	}
}

func (b *Bridge) sessionOrigin(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return ""
	}
	return s.origin
}

func (b *Bridge) dispatchRequest(ctx context.Context, sessionID string, in Envelope) (Envelope, error) {
	origin := b.sessionOrigin(sessionID)
	reqCtx := approval.RequestContext{PortID: sessionID, SessionID: sessionID}
	result, err := b.engine.Handle(ctx, origin, in.Method, in.Params, reqCtx)
	resp := Envelope{Channel: Channel, SessionID: sessionID, Type: EnvelopeResponse, ID: in.ID}
	if err != nil {
		resp.Error = toWireError(err)
		return resp, nil
	}
	resp.Result = result
	return resp, nil
}

func (b *Bridge) handshakeAck(sessionID string) Envelope {
	ref := b.net.ActiveChain()
	namespace := chainref.NamespaceEIP155
	chainIDHex := "0x0"
	if parsed, err := chainref.Parse(ref); err == nil {
		namespace = parsed.Namespace
		if hex, ok := decimalToHex(parsed.Reference); ok {
			chainIDHex = "0x" + hex
		}
	}
	ack := HandshakeAck{
		ProtocolVersion: ProtocolVersion,
		HandshakeID:     sessionID,
		ChainID:         chainIDHex,
		CAIP2:           ref,
		Accounts:        ownedAddresses(b.keys),
		IsUnlocked:      b.vlt.IsUnlocked(),
		Meta: HandshakeAckMeta{
			ActiveChain:     ref,
			ActiveNamespace: namespace,
			SupportedChains: b.supportedChains(),
		},
	}
	return Envelope{Channel: Channel, SessionID: sessionID, Type: EnvelopeHandshakeAck, Data: ack}
}

func (b *Bridge) supportedChains() []string {
	recs, err := b.net.KnownChains(context.Background())
	if err != nil {
		return nil
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ChainRef
	}
	sort.Strings(out)
	return out
}

// decimalToHex converts a decimal chain-id reference (as stored internally
// by chainref.ChainRef) into lowercase hex digits without a "0x" prefix;
// callers prepend "0x" for the wire protocol.
func decimalToHex(decimal string) (string, bool) {
	n, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		return "", false
	}
	return n.Text(16), true
}

func ownedAddresses(keys *keyring.Service) []string {
	accounts := keys.Accounts()
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.Address
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) allSessions() []*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out
}

func (b *Bridge) broadcast(ctx context.Context, sessionID string, sender Sender, event string, data any) {
	env := Envelope{Channel: Channel, SessionID: sessionID, Type: EnvelopeEvent, Event: event, Data: data}
	if err := sender.Send(ctx, env); err != nil {
		b.log.Warn("providerbridge: failed to deliver event", zap.String("event", event), zap.Error(err))
	}
}

func (b *Bridge) broadcastChainChanged(ctx context.Context) {
	ref := b.net.ActiveChain()
	parsed, err := chainref.Parse(ref)
	if err != nil {
		return
	}
	hexID := "0x0"
	if hex, ok := decimalToHex(parsed.Reference); ok {
		hexID = "0x" + hex
	}
	for sid, s := range b.sessionsByID() {
		b.broadcast(ctx, sid, s.sender, "chainChanged", hexID)
	}
}

func (b *Bridge) broadcastAccountsChanged(ctx context.Context) {
	addrs := ownedAddresses(b.keys)
	for sid, s := range b.sessionsByID() {
		b.broadcast(ctx, sid, s.sender, "accountsChanged", addrs)
	}
}

func (b *Bridge) broadcastDisconnect(ctx context.Context, cause error) {
	var data any
	if cause != nil {
		data = toWireError(cause)
	}
	for sid, s := range b.sessionsByID() {
		b.broadcast(ctx, sid, s.sender, "disconnect", data)
	}
}

func (b *Bridge) broadcastConnect(ctx context.Context) {
	ref := b.net.ActiveChain()
	hexID := "0x0"
	if parsed, err := chainref.Parse(ref); err == nil {
		if hex, ok := decimalToHex(parsed.Reference); ok {
			hexID = "0x" + hex
		}
	}
	evt := ConnectEvent{ChainID: hexID, Accounts: ownedAddresses(b.keys), IsUnlocked: b.vlt.IsUnlocked()}
	for sid, s := range b.sessionsByID() {
		b.broadcast(ctx, sid, s.sender, "connect", evt)
	}
}

func (b *Bridge) sessionsByID() map[string]*session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*session, len(b.sessions))
	for id, s := range b.sessions {
		out[id] = s
	}
	return out
}
