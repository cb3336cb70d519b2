// Package seed submits fake marketplace events to a receiver, mostly to feed
// local environments.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/3rs4lg4d0/goevents/pipeline"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/bytedance/sonic"
)

var jsonAPI = sonic.ConfigStd

// Settings of a seeding run.
type Settings struct {
	ReceiverURL  string        // base URL of the receiver service
	Count        int           // number of events to submit
	Interval     time.Duration // pause between two submissions
	Transactions float64       // share of transaction events, between 0 and 1
	Spread       time.Duration // event timestamps are spread over this period before now
	Seed         int64         // faker seed, 0 picks a random one
}

// Result summarizes a seeding run.
type Result struct {
	Listings     int
	Transactions int
	Failed       int
}

type Seeder struct {
	settings Settings
	http     *http.Client
	faker    *gofakeit.Faker
	clock    func() time.Time
	logger   pipeline.Logger
}

var _ pipeline.Loggable = (*Seeder)(nil)

// New creates a seeder. A nil hc uses a client with a ten seconds timeout.
func New(s Settings, hc *http.Client) *Seeder {
	if s.ReceiverURL == "" {
		panic("receiver URL is mandatory")
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	s.ReceiverURL = strings.TrimRight(s.ReceiverURL, "/")
	return &Seeder{
		settings: s,
		http:     hc,
		faker:    gofakeit.New(s.Seed),
		clock:    time.Now,
		logger:   &pipeline.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Seeder) SetLogger(l pipeline.Logger) {
	s.logger = l
}

// Listing returns a random listing submission.
func (s *Seeder) Listing() *pipeline.ListingSubmission {
	price := s.faker.Price(1, 500)
	return &pipeline.ListingSubmission{
		Timestamp: s.timestamp(),
		UserID:    s.faker.Username(),
		ItemID:    s.faker.UUID(),
		Price:     &price,
	}
}

// Transaction returns a random transaction submission.
func (s *Seeder) Transaction() *pipeline.TransactionSubmission {
	amount := s.faker.Price(1, 5000)
	return &pipeline.TransactionSubmission{
		Timestamp:     s.timestamp(),
		UserID:        s.faker.Username(),
		TransactionID: s.faker.UUID(),
		Amount:        &amount,
	}
}

func (s *Seeder) timestamp() string {
	now := s.clock().UTC()
	t := now
	if s.settings.Spread > 0 {
		t = s.faker.DateRange(now.Add(-s.settings.Spread), now)
	}
	return pipeline.FormatTimestamp(t)
}

// Run submits Count events, stopping early when ctx is done. Failed
// submissions are counted and logged but never retried.
func (s *Seeder) Run(ctx context.Context) (Result, error) {
	var res Result
	for i := 0; i < s.settings.Count; i++ {
		var err error
		if s.faker.Float64() < s.settings.Transactions {
			if err = s.post(ctx, "/events/transactions", s.Transaction()); err == nil {
				res.Transactions++
			}
		} else {
			if err = s.post(ctx, "/events/listings", s.Listing()); err == nil {
				res.Listings++
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			s.logger.Error("could not submit the event", err)
		}

		if s.settings.Interval > 0 && i < s.settings.Count-1 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(s.settings.Interval):
			}
		}
	}
	s.logger.Info(fmt.Sprintf("seeding complete: %d listings, %d transactions, %d failed", res.Listings, res.Transactions, res.Failed))
	return res, nil
}

func (s *Seeder) post(ctx context.Context, path string, body any) error {
	data, err := jsonAPI.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.ReceiverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	s.logger.Debug(fmt.Sprintf("submitted %s (trace_id=%s)", path, resp.Header.Get("X-Trace-Id")))
	return nil
}
