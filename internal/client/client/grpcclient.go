package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophchat/internal/client/models"
	"github.com/dmitrijs2005/gophchat/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service the client talks to.
const ServiceName = "gophchat.v1.Chat"

const refreshMethod = "RefreshToken"

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

type invokeFunc func(ctx context.Context, method string, req, reply any, opts ...grpc.CallOption) error

// GRPCClient is the request/response API client. Payloads travel as
// google.protobuf.Struct values mirroring the JSON form of the models.
type GRPCClient struct {
	endpointURL string
	version     string
	conn        *grpc.ClientConn
	invoke      invokeFunc

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	onRefresh    func(access, refresh string)

	// refreshMu collapses concurrent refreshes into one.
	refreshMu sync.Mutex
}

func withAccessToken(ctx context.Context, token, version string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	if token != "" {
		md.Set(common.AccessTokenHeaderName, token)
	}
	if version != "" {
		md.Set(common.ClientVersionHeaderName, version)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

func isTokenExpired(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	return st.Code() == codes.Unauthenticated && st.Message() == common.ErrTokenExpired.Error()
}

func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {

	access, refresh := s.Tokens()
	err := invoker(withAccessToken(ctx, access, s.version), method, req, reply, cc, opts...)
	if err == nil || method == FullMethod(refreshMethod) {
		return err
	}

	if !isTokenExpired(err) || refresh == "" {
		return err
	}

	if rerr := s.refreshAfter(ctx, access); rerr != nil {
		return rerr
	}

	// tokens refreshed, retry once with the new access token
	access, _ = s.Tokens()
	return invoker(withAccessToken(ctx, access, s.version), method, req, reply, cc, opts...)
}

// refreshAfter refreshes the token pair unless another caller already
// replaced the stale access token.
func (s *GRPCClient) refreshAfter(ctx context.Context, stale string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	access, refresh := s.Tokens()
	if access != stale {
		return nil
	}
	if refresh == "" {
		return common.ErrRefreshTokenExpired
	}

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := s.call(ctx, refreshMethod, map[string]string{"refresh_token": refresh}, &resp); err != nil {
		return err
	}
	s.SetTokens(resp.AccessToken, resp.RefreshToken)

	s.mu.Lock()
	hook := s.onRefresh
	s.mu.Unlock()
	if hook != nil {
		hook(resp.AccessToken, resp.RefreshToken)
	}
	return nil
}

// NewGRPCClient dials endpointURL lazily; the first RPC establishes the
// connection.
func NewGRPCClient(endpointURL, version string) (*GRPCClient, error) {
	c := &GRPCClient{endpointURL: endpointURL, version: version}
	err := c.InitGRPCClient()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *GRPCClient) InitGRPCClient(extra ...grpc.DialOption) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(s.accessTokenInterceptor),
	}, extra...)

	conn, err := grpc.NewClient(s.endpointURL, opts...)
	if err != nil {
		return err
	}
	s.conn = conn
	s.invoke = conn.Invoke
	return nil
}

// SetTokens replaces the held token pair.
func (s *GRPCClient) SetTokens(access, refresh string) {
	s.mu.Lock()
	s.accessToken, s.refreshToken = access, refresh
	s.mu.Unlock()
}

// Tokens returns the held token pair.
func (s *GRPCClient) Tokens() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.refreshToken
}

// OnTokensRefreshed registers fn to run after every transparent refresh.
func (s *GRPCClient) OnTokensRefreshed(fn func(access, refresh string)) {
	s.mu.Lock()
	s.onRefresh = fn
	s.mu.Unlock()
}

func toStruct(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return st, nil
}

func fromStruct(st *structpb.Struct, v any) error {
	b, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *GRPCClient) call(ctx context.Context, name string, in, out any) error {
	if s.invoke == nil {
		return ErrNotConnected
	}
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := s.invoke(ctx, FullMethod(name), req, resp); err != nil {
		return s.mapError(err)
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (s *GRPCClient) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Reconnect forces the channel out of idle and waits until it is ready or
// ctx ends.
func (s *GRPCClient) Reconnect(ctx context.Context) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.Connect()
	return s.Ping(ctx)
}

func (s *GRPCClient) Ping(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := s.call(ctx, "Ping", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "OK" {
		return common.ErrUnavailable
	}
	return nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	User         models.User `json:"user"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
}

// Register creates an account and stores the returned tokens.
func (s *GRPCClient) Register(ctx context.Context, username, password string) (models.User, error) {
	return s.authenticate(ctx, "Register", username, password)
}

// Login signs in and stores the returned tokens.
func (s *GRPCClient) Login(ctx context.Context, username, password string) (models.User, error) {
	return s.authenticate(ctx, "Login", username, password)
}

func (s *GRPCClient) authenticate(ctx context.Context, name, username, password string) (models.User, error) {
	var resp authResponse
	if err := s.call(ctx, name, credentialsRequest{Username: username, Password: password}, &resp); err != nil {
		return models.User{}, err
	}
	s.SetTokens(resp.AccessToken, resp.RefreshToken)
	return resp.User, nil
}

// RefreshSession exchanges the refresh token for a new pair.
func (s *GRPCClient) RefreshSession(ctx context.Context) error {
	access, _ := s.Tokens()
	return s.refreshAfter(ctx, access)
}

// Logout revokes the refresh token server-side and drops both tokens.
func (s *GRPCClient) Logout(ctx context.Context) error {
	_, refresh := s.Tokens()
	defer s.SetTokens("", "")
	if refresh == "" {
		return nil
	}
	return s.call(ctx, "Logout", map[string]string{"refresh_token": refresh}, nil)
}

// CurrentUser returns the user owning the access token.
func (s *GRPCClient) CurrentUser(ctx context.Context) (models.User, error) {
	var u models.User
	if err := s.call(ctx, "CurrentUser", nil, &u); err != nil {
		return models.User{}, err
	}
	return u, nil
}

func (s *GRPCClient) SendMessage(ctx context.Context, msg models.OutboundMessage) (models.Message, error) {
	var out models.Message
	if err := s.call(ctx, "SendMessage", msg, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

func (s *GRPCClient) MarkRead(ctx context.Context, conversationID string) error {
	return s.call(ctx, "MarkRead", map[string]string{"conversation_id": conversationID}, nil)
}

type fetchMessagesRequest struct {
	ConversationID string     `json:"conversation_id"`
	Before         *time.Time `json:"before,omitempty"`
	Limit          int        `json:"limit"`
}

// FetchMessages returns up to limit messages older than before, newest
// first. A zero before starts from the latest message.
func (s *GRPCClient) FetchMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error) {
	req := fetchMessagesRequest{ConversationID: conversationID, Limit: limit}
	if !before.IsZero() {
		req.Before = &before
	}
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := s.call(ctx, "FetchMessages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (s *GRPCClient) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := s.call(ctx, "FetchConversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (s *GRPCClient) CreateConversation(ctx context.Context, title, salt string, participants []string) (models.Conversation, error) {
	req := models.Conversation{Title: title, Salt: salt, Participants: participants}
	var out models.Conversation
	if err := s.call(ctx, "CreateConversation", req, &out); err != nil {
		return models.Conversation{}, err
	}
	return out, nil
}

func (s *GRPCClient) DeleteForMe(ctx context.Context, messageID string) error {
	return s.call(ctx, "DeleteForMe", map[string]string{"message_id": messageID}, nil)
}

func (s *GRPCClient) DeleteForEveryone(ctx context.Context, messageID string) error {
	return s.call(ctx, "DeleteForEveryone", map[string]string{"message_id": messageID}, nil)
}

func (s *GRPCClient) SetStatus(ctx context.Context, st models.UserStatus) error {
	return s.call(ctx, "SetStatus", map[string]string{"status": string(st)}, nil)
}

// passThrough lists errors already in their final form, e.g. a failed
// refresh surfacing from inside the interceptor.
var passThrough = []error{
	common.ErrUnauthorized,
	common.ErrUnavailable,
	common.ErrNotFound,
	common.ErrRefreshTokenExpired,
	ErrNotConnected,
}

func (s *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range passThrough {
		if errors.Is(err, known) {
			return err
		}
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated:
		if st.Message() == common.ErrRefreshTokenExpired.Error() {
			return common.ErrRefreshTokenExpired
		}
		return common.ErrUnauthorized
	case codes.PermissionDenied:
		return common.ErrUnauthorized
	case codes.NotFound:
		return common.ErrNotFound
	case codes.Unavailable, codes.DeadlineExceeded:
		return common.ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
