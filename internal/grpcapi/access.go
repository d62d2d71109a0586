package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"rollcall.io/internal/access"
	"rollcall.io/internal/apperr"
	"rollcall.io/internal/auth"
	"rollcall.io/internal/policy"
	"rollcall.io/internal/token"
)

// AccessServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct documents with the same shape as the HTTP bodies.
const AccessServiceName = "rollcall.access.v1.Access"

// Full method names.
const (
	MethodCheck         = "/" + AccessServiceName + "/Check"
	MethodPreview       = "/" + AccessServiceName + "/Preview"
	MethodIssueToken    = "/" + AccessServiceName + "/IssueToken"
	MethodValidateToken = "/" + AccessServiceName + "/ValidateToken"
)

// AccessServer is the server API for the access service.
type AccessServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Preview(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(AccessServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AccessServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AccessServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AccessServiceDesc describes the access service for grpc.Server.RegisterService.
var AccessServiceDesc = grpc.ServiceDesc{
	ServiceName: AccessServiceName,
	HandlerType: (*AccessServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unaryHandler(MethodCheck, AccessServer.Check)},
		{MethodName: "Preview", Handler: unaryHandler(MethodPreview, AccessServer.Preview)},
		{MethodName: "IssueToken", Handler: unaryHandler(MethodIssueToken, AccessServer.IssueToken)},
		{MethodName: "ValidateToken", Handler: unaryHandler(MethodValidateToken, AccessServer.ValidateToken)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rollcall/access/v1/access.proto",
}

type checkRequest struct {
	Resource *policy.Resource    `json:"resource,omitempty"`
	Ref      *access.ResourceRef `json:"ref,omitempty"`
	Request  policy.Request      `json:"request"`
}

type decisionResponse struct {
	Allowed  bool            `json:"allowed"`
	Decision policy.Decision `json:"decision"`
}

type issueRequest struct {
	Purpose token.Purpose `json:"purpose"`
}

type validateRequest struct {
	Secret  string        `json:"secret"`
	Purpose token.Purpose `json:"purpose"`
}

var _ AccessServer = (*Server)(nil)

// Check loads the referenced resource, decides and audits the operation; a
// denial is returned as a status carrying the taxonomy code.
func (s *Server) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalOf(ctx)
	if err != nil {
		return nil, err
	}
	var req checkRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := req.validate(true); err != nil {
		return nil, err
	}
	d, err := s.authz.DoRef(ctx, principal, *req.Ref, req.Request, nil)
	if err != nil {
		return nil, err
	}
	return toStruct(decisionResponse{Allowed: true, Decision: d})
}

// Preview evaluates without auditing.
func (s *Server) Preview(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalOf(ctx)
	if err != nil {
		return nil, err
	}
	var req checkRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := req.validate(false); err != nil {
		return nil, err
	}
	d := s.authz.Preview(principal, *req.Resource, req.Request)
	return toStruct(decisionResponse{Allowed: d.Allowed(), Decision: d})
}

func (s *Server) IssueToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, err := principalOf(ctx)
	if err != nil {
		return nil, err
	}
	var req issueRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	issued, err := s.tokens.Issue(ctx, principal.ID, req.Purpose)
	if err != nil {
		return nil, err
	}
	return toStruct(issued)
}

func (s *Server) ValidateToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req validateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Purpose == "" {
		return nil, &apperr.Error{Code: apperr.InvalidRequest, Message: "purpose is required"}
	}
	res, err := s.tokens.Validate(ctx, req.Secret, req.Purpose)
	if err != nil {
		return nil, err
	}
	return toStruct(res)
}

func (c checkRequest) validate(audited bool) error {
	msg := ""
	switch {
	case c.Request.Kind == "":
		msg = "request.kind is required"
	case audited && c.Resource != nil:
		msg = "checks are recorded against stored resources; send ref instead of a resource snapshot"
	case audited && c.Ref == nil:
		msg = "ref is required"
	case !audited && c.Ref != nil:
		msg = "ref is not supported here; send the resource snapshot"
	case !audited && c.Resource == nil:
		msg = "resource is required"
	default:
		return nil
	}
	return &apperr.Error{Code: apperr.InvalidRequest, Message: msg}
}

func principalOf(ctx context.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return auth.Principal{}, apperr.New(apperr.Unauthenticated)
	}
	return p, nil
}

// fromStruct decodes a Struct into dst through its JSON form.
func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return &apperr.Error{Code: apperr.InvalidRequest, Message: "malformed request", Err: err}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &apperr.Error{Code: apperr.InvalidRequest, Message: fmt.Sprintf("malformed request: %v", err), Err: err}
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	return out, nil
}
