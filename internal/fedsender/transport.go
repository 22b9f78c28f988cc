package fedsender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amityvox/amityvox/internal/federation"
)

// Signer produces a signed envelope for an outgoing transaction, so that a
// receiving instance can verify it came from this server. It is the subset
// of *federation.Service this package depends on.
type Signer interface {
	Sign(data interface{}) (*federation.SignedPayload, error)
}

// transaction is the wire shape POSTed to a peer's federation inbox.
type transaction struct {
	Origin         string `json:"origin"`
	OriginServerTs int64  `json:"origin_server_ts"`
	PDUs           []PDU  `json:"pdus,omitempty"`
	EDUs           []Edu  `json:"edus,omitempty"`
}

// HTTPTransmissionSink is the default TransmissionSink: it POSTs one
// transaction per call to https://<domain>/federation/v1/inbox, adapted
// from internal/federation/sync.go's deliverToPeer — same URL shape,
// headers, and status-code handling, but synchronous (the caller, a
// destinationQueue, already owns its own retry loop).
type HTTPTransmissionSink struct {
	origin string
	signer Signer
	client *http.Client
	log    *slog.Logger
}

// NewHTTPTransmissionSink creates a sink. origin is this server's own
// federation domain, stamped into every outgoing transaction.
func NewHTTPTransmissionSink(origin string, signer Signer, log *slog.Logger) *HTTPTransmissionSink {
	return &HTTPTransmissionSink{
		origin: origin,
		signer: signer,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
	}
}

// SendTransaction signs and POSTs a single transaction to dest. A non-nil
// error is treated by the caller as a transient failure eligible for retry;
// callers should not retry on context cancellation.
func (s *HTTPTransmissionSink) SendTransaction(ctx context.Context, dest Destination, pdus []PDU, edus []Edu) error {
	txn := transaction{
		Origin:         s.origin,
		OriginServerTs: time.Now().UnixMilli(),
		PDUs:           pdus,
		EDUs:           edus,
	}

	signed, err := s.signer.Sign(txn)
	if err != nil {
		return fmt.Errorf("signing transaction for %s: %w", dest, err)
	}

	body, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("marshaling signed transaction for %s: %w", dest, err)
	}

	url := fmt.Sprintf("https://%s/federation/v1/inbox", dest)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", dest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AmityVox/1.0 (+federation)")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering transaction to %s: %w", dest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		s.log.Warn("federation transaction rejected",
			slog.String("destination", string(dest)),
			slog.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("destination %s returned status %d", dest, resp.StatusCode)
	}

	s.log.Debug("federation transaction delivered",
		slog.String("destination", string(dest)),
		slog.Int("pdu_count", len(pdus)),
		slog.Int("edu_count", len(edus)),
	)
	return nil
}
