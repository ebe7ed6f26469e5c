package auditlog

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/travisim/farmify/internal/config"
	"github.com/travisim/farmify/internal/errors"
)

const (
	headerSigner    = "Farmify-Signer"
	headerSignature = "Farmify-Signature"
)

// JetStream records audit entries on a NATS JetStream stream. The stream
// sequence number of the publish acknowledgement is the ledger reference.
type JetStream struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	keys    Keyring
	stream  string
	subject string
	maxSize int
}

// NewJetStream connects to NATS and creates the audit stream if needed.
func NewJetStream(cfg config.NATSConfig, keys Keyring, maxPayloadSize int) (*JetStream, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("farmify-audit"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTransient, "failed to connect to NATS: %v", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !stderrors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, errors.Wrapf(errors.ErrTransient, "stream info %s: %v", cfg.Stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.Subject + ".>"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Discard:    nats.DiscardNew,
			Duplicates: 24 * time.Hour,
			DenyDelete: true,
			DenyPurge:  true,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Audit stream created", "stream", cfg.Stream, "subject", cfg.Subject)
	}

	if limit := int(conn.MaxPayload()); limit > 0 && (maxPayloadSize <= 0 || limit < maxPayloadSize) {
		maxPayloadSize = limit
	}

	return &JetStream{
		conn:    conn,
		js:      js,
		keys:    keys,
		stream:  cfg.Stream,
		subject: cfg.Subject,
		maxSize: maxPayloadSize,
	}, nil
}

func (l *JetStream) MaxPayloadSize() int {
	return l.maxSize
}

func (l *JetStream) Record(ctx context.Context, signer string, payload *structpb.Struct) (*Receipt, error) {
	entry, err := seal(l.keys, signer, payload, l.maxSize)
	if err != nil {
		return nil, err
	}

	msg := nats.NewMsg(l.subject + "." + subjectToken(dataType(payload)))
	msg.Data = entry.Payload
	msg.Header.Set(headerSigner, signer)
	msg.Header.Set(headerSignature, base64.StdEncoding.EncodeToString(entry.Signature))

	ack, err := l.js.PublishMsg(msg, nats.MsgId(entry.ID()), nats.Context(ctx))
	if err != nil {
		if stderrors.Is(err, nats.ErrMaxPayload) {
			return nil, errors.Wrapf(errors.ErrPayloadTooLarge, "publish audit record: %v", err)
		}
		return nil, errors.Wrapf(errors.ErrTransient, "publish audit record: %v", err)
	}
	if ack.Duplicate {
		slog.Debug("Audit record already published", "stream", ack.Stream, "sequence", ack.Sequence)
	}

	return &Receipt{
		Reference:  fmt.Sprintf("nats://%s/%d", ack.Stream, ack.Sequence),
		Signer:     signer,
		Signature:  entry.Signature,
		RecordedAt: time.Now(),
	}, nil
}

// Close drains the connection.
func (l *JetStream) Close() error {
	return l.conn.Drain()
}

// subjectToken keeps a data type usable as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
