package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root audit records are published under.
const DefaultSubjectPrefix = "audit"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each record as JSON on <prefix>.<tenant>.
type NATSSink struct {
	pub    publisher
	prefix string
}

// NewNATSSink publishes through nc.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return newNATSSink(nc, prefix)
}

func newNATSSink(pub publisher, prefix string) *NATSSink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the subject rec is published on.
func (s *NATSSink) Subject(rec Record) string {
	tenant := rec.TenantID
	if tenant == "" {
		tenant = "_"
	}
	return s.prefix + "." + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(tenant)
}

func (s *NATSSink) Write(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode record: %w", err)
	}
	if err := s.pub.Publish(s.Subject(rec), data); err != nil {
		return fmt.Errorf("audit: publish: %w", err)
	}
	return nil
}
