package dispatch

import (
	"context"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/guard"
	"dispatchd/internal/recipient"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

type Request struct {
	To       string
	Payload  transport.Payload
	Priority Priority
}

// Receipt describes an admitted job. Position is 1-based in dispatch order
// at the time of admission.
type Receipt struct {
	JobID     string `json:"job_id"`
	Position  int    `json:"position"`
	Recipient string `json:"recipient"`
}

// Submit validates req, runs the admission guard and enqueues the job.
// A non-admitted job yields a *Rejection.
func (s *Service) Submit(ctx context.Context, req Request) (Receipt, error) {
	to, err := recipient.Normalize(req.To)
	if err != nil {
		return s.rejected(&Rejection{Code: CodeInvalidRecipient, Reason: err.Error(), Err: err})
	}
	if emptyPayload(req.Payload) {
		return s.rejected(reject(CodeEmptyBody, "message body is empty"))
	}
	prio, err := ParsePriority(string(req.Priority))
	if err != nil {
		return s.rejected(&Rejection{Code: CodeInvalidPriority, Reason: err.Error(), Err: err})
	}

	var key string
	if s.cfg.DedupWindow > 0 {
		key = dedupKey(to, req.Payload)
		s.lookupStoredDedup(ctx, key)
	}

	now := s.clock.Now()
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return s.rejected(&Rejection{Code: CodeNotRunning, Reason: "dispatcher is not running", Err: ErrStopped})
	}
	if key != "" {
		if until, ok := s.dedup[key]; ok && now.Before(until) {
			s.mu.Unlock()
			return s.rejected(reject(CodeDuplicate, fmt.Sprintf("identical message already submitted (window ends %s)", until.Format(time.RFC3339))))
		}
	}
	if s.q.Len() >= s.cfg.QueueMax {
		s.mu.Unlock()
		return s.rejected(&Rejection{Code: CodeQueueFull, Reason: fmt.Sprintf("queue holds %d jobs", s.cfg.QueueMax), Err: ErrQueueFull})
	}
	d := s.guard.Evaluate(guard.Request{
		Stage:     guard.StageAdmission,
		Recipient: to.Digits(),
		Body:      req.Payload.Body(),
		Pending:   s.pending[to.Digits()],
		Now:       now,
	})
	if !d.Allowed {
		s.mu.Unlock()
		return s.rejected(reject(Code(d.Code), d.Reason))
	}

	e := &entry{
		Job: Job{
			ID:         newID(),
			Recipient:  to.Digits(),
			Priority:   prio,
			Status:     StatusQueued,
			Attachment: req.Payload.IsAttachment(),
			EnqueuedAt: now,
		},
		to:       to,
		payload:  req.Payload,
		dedupKey: key,
	}
	pos := s.q.PushBack(e)
	s.jobs[e.ID] = e
	s.pending[to.Digits()]++
	if key != "" {
		until := now.Add(s.cfg.DedupWindow)
		s.rememberLocked(key, until, now)
		s.persistLocked(persistOp{dedupKey: key, until: until})
	}
	j := e.snapshot()
	s.mu.Unlock()

	s.log.Debug("job queued",
		logx.String("job", j.ID),
		logx.String("to", to.Masked()),
		logx.String("priority", string(prio)),
		logx.Int("position", pos))
	s.obs.Admitted(j)
	s.publish(eventbus.JobQueued, JobEvent{Job: j, Position: pos})
	s.signal()
	return Receipt{JobID: j.ID, Position: pos, Recipient: to.Address()}, nil
}

func (s *Service) rejected(r *Rejection) (Receipt, error) {
	s.log.Debug("job rejected", logx.String("code", string(r.Code)), logx.String("reason", r.Reason))
	s.obs.Rejected(r.Code)
	return Receipt{}, r
}

func emptyPayload(p transport.Payload) bool {
	if p.Attachment != nil {
		return len(p.Attachment.Data) == 0
	}
	return strings.TrimSpace(p.Text) == ""
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func dedupKey(to recipient.Recipient, p transport.Payload) string {
	h := fnv.New64a()
	h.Write([]byte(to.Digits()))
	h.Write([]byte{0})
	h.Write([]byte(p.Text))
	if a := p.Attachment; a != nil {
		h.Write([]byte{1})
		h.Write([]byte(a.Name))
		h.Write([]byte(a.Caption))
		h.Write(a.Data)
	}
	return "dispatch:" + hex.EncodeToString(h.Sum(nil))
}

// rememberLocked stores a dedup key, sweeping expired keys once the map
// grows.
func (s *Service) rememberLocked(key string, until, now time.Time) {
	if len(s.dedup) >= 1024 {
		for k, u := range s.dedup {
			if !now.Before(u) {
				delete(s.dedup, k)
			}
		}
	}
	s.dedup[key] = until
}

// lookupStoredDedup pulls a persisted dedup key into memory on a miss.
func (s *Service) lookupStoredDedup(ctx context.Context, key string) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	_, hit := s.dedup[key]
	s.mu.Unlock()
	if hit {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	until, ok, err := s.store.GetDedup(lctx, key)
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.Err(err))
		return
	}
	if ok && s.clock.Now().Before(until) {
		s.mu.Lock()
		s.dedup[key] = until
		s.mu.Unlock()
	}
}

// BulkItem is one recipient of a bulk submission. Template is a text/template
// body rendered with Vars; "recipient" is set to the canonical digits unless
// Vars provides it.
type BulkItem struct {
	To       string
	Template string
	Vars     map[string]string
}

type BulkResult struct {
	Index   int     `json:"index"`
	To      string  `json:"to"`
	Receipt Receipt `json:"receipt"`
	Err     error   `json:"-"`
}

func (r BulkResult) Accepted() bool { return r.Err == nil }

// BulkSubmit renders and submits each item in order and collects
// per-item results. It stops submitting once ctx is done.
func (s *Service) BulkSubmit(ctx context.Context, items []BulkItem, prio Priority) []BulkResult {
	out := make([]BulkResult, len(items))
	parsed := map[string]*template.Template{}
	accepted := 0
	for i, it := range items {
		out[i] = BulkResult{Index: i, To: it.To}
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		text, err := render(parsed, it)
		if err != nil {
			_, out[i].Err = s.rejected(&Rejection{Code: CodeInvalidTemplate, Reason: err.Error(), Err: err})
			continue
		}
		out[i].Receipt, out[i].Err = s.Submit(ctx, Request{To: it.To, Payload: transport.Payload{Text: text}, Priority: prio})
		if out[i].Err == nil {
			accepted++
		}
	}
	s.log.Info("bulk submit", logx.Int("items", len(items)), logx.Int("accepted", accepted))
	return out
}

func render(cache map[string]*template.Template, it BulkItem) (string, error) {
	if !strings.Contains(it.Template, "{{") {
		return it.Template, nil
	}
	tmpl, ok := cache[it.Template]
	if !ok {
		var err error
		tmpl, err = template.New("body").Option("missingkey=error").Parse(it.Template)
		if err != nil {
			return "", err
		}
		cache[it.Template] = tmpl
	}
	data := make(map[string]string, len(it.Vars)+1)
	for k, v := range it.Vars {
		data[k] = v
	}
	if _, ok := data["recipient"]; !ok {
		if r, err := recipient.Normalize(it.To); err == nil {
			data["recipient"] = r.Digits()
		}
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
