package apperr

import (
	"errors"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var grpcCodes = map[int]codes.Code{
	http.StatusBadRequest:          codes.InvalidArgument,
	http.StatusUnauthorized:        codes.Unauthenticated,
	http.StatusForbidden:           codes.PermissionDenied,
	http.StatusConflict:            codes.AlreadyExists,
	http.StatusUnprocessableEntity: codes.FailedPrecondition,
	http.StatusTooManyRequests:     codes.ResourceExhausted,
	http.StatusServiceUnavailable:  codes.Unavailable,
}

// GRPCStatus converts err into a gRPC status. The taxonomy tuple travels as a
// structpb.Struct detail with keys code, hint, fields and (for throttling)
// next_allowed_at.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	code := CodeOf(err)
	var d Descriptor
	if e, ok := asError(err); ok {
		d = e.Descriptor()
	} else {
		d = Describe(code)
	}
	gc, ok := grpcCodes[d.Status]
	if !ok {
		gc = codes.Internal
	}
	st := status.New(gc, d.Message)

	fields := map[string]any{"code": string(d.Code)}
	if d.Hint != "" {
		fields["hint"] = d.Hint
	}
	if e, ok := asError(err); ok {
		if !e.NextAllowedAt.IsZero() {
			fields["next_allowed_at"] = e.NextAllowedAt.UTC().Format(time.RFC3339)
		}
		if len(e.Fields) > 0 {
			list := make([]any, len(e.Fields))
			for i, f := range e.Fields {
				list[i] = f
			}
			fields["fields"] = list
		}
	}
	detail, derr := structpb.NewStruct(fields)
	if derr != nil {
		return st
	}
	withDetail, derr := st.WithDetails(detail)
	if derr != nil {
		return st
	}
	return withDetail
}

// CodeFromStatus recovers the taxonomy code attached by GRPCStatus.
func CodeFromStatus(st *status.Status) (Code, bool) {
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		if v, ok := s.GetFields()["code"]; ok {
			return Code(v.GetStringValue()), true
		}
	}
	return "", false
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
