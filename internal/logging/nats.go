package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// DefaultSubject prefixes the subjects entries are published on.
const DefaultSubject = "llm_flow.entries"

// Publisher is the subset of *nats.Conn the transport needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DialNATS connects to a NATS server.
func DialNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("llm_flow"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NATS publishes each entry on "<subject>.<model family>", or on the bare
// subject when the family is unknown.
type NATS struct {
	pub     Publisher
	subject string
	logger  *utils.Logger
}

func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{pub: pub, subject: subject, logger: utils.NewLogger("nats-transport")}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Send(ctx context.Context, entry *models.LogEntry) {
	data, err := json.Marshal(entry)
	if err == nil {
		err = n.pub.Publish(n.subjectFor(entry), data)
	}
	report(n.logger, n.Name(), entry, err)
}

func (n *NATS) subjectFor(entry *models.LogEntry) string {
	family := strings.ToLower(strings.TrimSpace(entry.Meta.ModelFamily))
	if family == "" {
		return n.subject
	}
	return n.subject + "." + family
}
