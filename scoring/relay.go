// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/structs"
)

// Relay operation kinds, in the order a submission's lifecycle produces
// them.
const (
	opInit          = "init"
	opPutSubmission = "put_submission"
	opPutChange     = "put_change"
	opPutToken      = "put_token"
)

// Wire formats of the ranking web service. Every resource is written with
// an idempotent PUT to <base>/<collection>/<id>, so redelivery is safe.
type contestData struct {
	Name           string `json:"name"`
	Begin          int64  `json:"begin"`
	End            int64  `json:"end"`
	ScorePrecision int    `json:"score_precision"`
}

type userData struct {
	FirstName string  `json:"f_name"`
	LastName  string  `json:"l_name"`
	Team      *string `json:"team"`
}

type taskData struct {
	ShortName      string   `json:"short_name"`
	Name           string   `json:"name"`
	Contest        string   `json:"contest"`
	Order          int      `json:"order"`
	MaxScore       float64  `json:"max_score"`
	ExtraHeaders   []string `json:"extra_headers"`
	ScorePrecision int      `json:"score_precision"`
}

type submissionData struct {
	User string `json:"user"`
	Task string `json:"task"`
	Time int64  `json:"time"`
}

type changeData struct {
	Submission string   `json:"submission"`
	Time       int64    `json:"time"`
	Score      *float64 `json:"score,omitempty"`
	Extra      []string `json:"extra,omitempty"`
	Token      bool     `json:"token,omitempty"`
}

// initData is everything a ranking must know before it can accept
// submissions: the contest row, the visible users and the tasks.
type initData struct {
	contestID string
	contest   *contestData
	users     map[string]*userData
	tasks     map[string]*taskData
}

// op is one pending write. Change ops carry the submission row too, so a
// ranking that lost the submission can be given it on the fly.
type op struct {
	kind string

	init *initData

	submissionID string
	submission   *submissionData
	changeID     string
	change       *changeData
}

// queued binds an operation to one endpoint. Operations fan out at enqueue
// time, so a slow ranking never holds the others back.
type queued struct {
	ep *endpoint
	op *op
}

// endpoint is one ranking server plus the state used to pace it.
type endpoint struct {
	cfg    config.RankingEndpoint
	base   string
	client *http.Client

	// Touched only during delivery passes.
	backoff *backoff.ExponentialBackOff
	downTil time.Time
}

// TaskInfo is what rankings are told about a task: the row itself plus
// what its active dataset's scorer says the task is worth.
type TaskInfo struct {
	Task     *structs.Task
	MaxScore float64
	Headers  []string
}

// Relay replicates scores and token plays to the external ranking servers.
// Operations are queued in FIFO order per endpoint and retried until they
// land, so every write is delivered at least once; the ranking web service
// treats them as idempotent puts, so duplicates collapse.
type Relay struct {
	logger    hclog.Logger
	endpoints []*endpoint

	// drainMu makes delivery passes mutually exclusive; endpoint pacing
	// state is touched only under it.
	drainMu sync.Mutex

	mu         sync.Mutex
	queue      []queued
	scoresSent *set.Set[int64]
	tokensSent *set.Set[int64]
}

// NewRelay builds a relay over the configured ranking endpoints. With no
// endpoints the relay accepts and discards everything.
func NewRelay(endpoints []config.RankingEndpoint, logger hclog.Logger) *Relay {
	r := &Relay{
		logger:     logger.Named("relay"),
		scoresSent: set.New[int64](0),
		tokensSent: set.New[int64](0),
	}
	for _, rk := range endpoints {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0 // a down ranking is retried for as long as we run
		r.endpoints = append(r.endpoints, &endpoint{
			cfg:     rk,
			base:    strings.TrimRight(rk.URL, "/"),
			client:  cleanhttp.DefaultPooledClient(),
			backoff: b,
		})
	}
	return r
}

// Active reports whether any ranking endpoint is configured.
func (r *Relay) Active() bool { return len(r.endpoints) > 0 }

// Pending returns the number of queued endpoint operations.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ScoreSent reports whether the submission's score was already queued for
// the rankings in this process lifetime.
func (r *Relay) ScoreSent(submissionID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scoresSent.Contains(submissionID)
}

// TokenSent reports whether the submission's token play was already queued
// for the rankings in this process lifetime.
func (r *Relay) TokenSent(submissionID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokensSent.Contains(submissionID)
}

// EnqueueInit queues the contest, its visible users and its tasks for
// every endpoint. Rankings need these rows before anything else lands.
func (r *Relay) EnqueueInit(contest *structs.Contest, parts []*structs.Participation, tasks []TaskInfo) {
	cid := encodeID(contest.Name)
	init := &initData{
		contestID: cid,
		contest: &contestData{
			Name:           contest.Description,
			Begin:          contest.Start.Unix(),
			End:            contest.Stop.Unix(),
			ScorePrecision: contest.ScorePrecision,
		},
		users: make(map[string]*userData, len(parts)),
		tasks: make(map[string]*taskData, len(tasks)),
	}
	for _, p := range parts {
		if p.Hidden {
			continue
		}
		init.users[encodeID(p.Username)] = &userData{
			FirstName: p.FirstName,
			LastName:  p.LastName,
		}
	}
	for _, ti := range tasks {
		headers := ti.Headers
		if headers == nil {
			headers = []string{}
		}
		init.tasks[encodeID(ti.Task.Name)] = &taskData{
			ShortName:      ti.Task.Name,
			Name:           ti.Task.Title,
			Contest:        cid,
			Order:          ti.Task.Num,
			MaxScore:       ti.MaxScore,
			ExtraHeaders:   headers,
			ScorePrecision: ti.Task.ScorePrecision,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushLocked(&op{kind: opInit, init: init})
}

// EnqueueScore queues a submission's score for every endpoint and records
// the submission as handled, so the periodic sweep stops re-announcing it.
// The extra strings are the per subtask ranking columns.
func (r *Relay) EnqueueScore(sub *structs.Submission, username, taskName string,
	score float64, extra []string) {
	subID := fmt.Sprintf("%d", sub.ID)
	when := sub.Timestamp.Unix()
	sd := &submissionData{
		User: encodeID(username),
		Task: encodeID(taskName),
		Time: when,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.scoresSent.Insert(sub.ID)
	r.pushLocked(&op{kind: opPutSubmission, submissionID: subID, submission: sd})
	r.pushLocked(&op{
		kind:         opPutChange,
		submissionID: subID,
		submission:   sd,
		changeID:     fmt.Sprintf("%d%ds", when, sub.ID),
		change: &changeData{
			Submission: subID,
			Time:       when,
			Score:      &score,
			Extra:      extra,
		},
	})
}

// EnqueueToken queues a token play for every endpoint and records the
// submission as handled.
func (r *Relay) EnqueueToken(sub *structs.Submission, username, taskName string, playedAt time.Time) {
	subID := fmt.Sprintf("%d", sub.ID)
	sd := &submissionData{
		User: encodeID(username),
		Task: encodeID(taskName),
		Time: sub.Timestamp.Unix(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokensSent.Insert(sub.ID)
	r.pushLocked(&op{kind: opPutSubmission, submissionID: subID, submission: sd})
	r.pushLocked(&op{
		kind:         opPutToken,
		submissionID: subID,
		submission:   sd,
		changeID:     fmt.Sprintf("%d%dt", playedAt.Unix(), sub.ID),
		change: &changeData{
			Submission: subID,
			Time:       playedAt.Unix(),
			Token:      true,
		},
	})
}

// pushLocked fans an operation out to every endpoint's place in line.
func (r *Relay) pushLocked(o *op) {
	for _, ep := range r.endpoints {
		r.queue = append(r.queue, queued{ep: ep, op: o})
	}
}

// Drain makes one delivery pass over the queue. The first failure against
// an endpoint puts that endpoint on hold for the rest of the pass and for
// a growing backoff window, and everything undelivered keeps its place in
// line. Operations enqueued while the pass runs go behind the survivors.
func (r *Relay) Drain(ctx context.Context) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	failed := make(map[*endpoint]bool, len(r.endpoints))
	now := time.Now()
	var keep []queued
	for i, q := range pending {
		if ctx.Err() != nil {
			keep = append(keep, pending[i:]...)
			break
		}
		if failed[q.ep] || now.Before(q.ep.downTil) {
			keep = append(keep, q)
			continue
		}
		if err := q.ep.send(ctx, q.op); err != nil {
			r.logger.Warn("ranking refused operation",
				"ranking", q.ep.base, "op", q.op.kind, "error", err)
			metrics.IncrCounter([]string{"gavel", "scoring", "relay", "failed"}, 1)
			failed[q.ep] = true
			q.ep.downTil = time.Now().Add(q.ep.backoff.NextBackOff())
			keep = append(keep, q)
			continue
		}
		q.ep.backoff.Reset()
		metrics.IncrCounter([]string{"gavel", "scoring", "relay", "sent"}, 1)
	}

	r.mu.Lock()
	r.queue = append(keep, r.queue...)
	n := len(r.queue)
	r.mu.Unlock()
	metrics.SetGauge([]string{"gavel", "scoring", "relay", "pending"}, float32(n))
}

// send executes one operation against the endpoint.
func (e *endpoint) send(ctx context.Context, o *op) error {
	switch o.kind {
	case opInit:
		if err := e.put(ctx, "contests", o.init.contestID, o.init.contest); err != nil {
			return err
		}
		for id, u := range o.init.users {
			if err := e.put(ctx, "users", id, u); err != nil {
				return err
			}
		}
		for id, task := range o.init.tasks {
			if err := e.put(ctx, "tasks", id, task); err != nil {
				return err
			}
		}
		return nil

	case opPutSubmission:
		return e.put(ctx, "submissions", o.submissionID, o.submission)

	case opPutChange, opPutToken:
		err := e.put(ctx, "subchanges", o.changeID, o.change)
		if err == nil {
			return nil
		}
		// The ranking may be missing the submission row; create it and
		// try the change once more.
		if err := e.put(ctx, "submissions", o.submissionID, o.submission); err != nil {
			return err
		}
		return e.put(ctx, "subchanges", o.changeID, o.change)

	default:
		return fmt.Errorf("unknown relay operation %q", o.kind)
	}
}

// put writes one resource. The ranking web service answers 200 or 201 on
// success.
func (e *endpoint) put(ctx context.Context, collection, id string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/%s", e.base, collection, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.cfg.Username, e.cfg.Password)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("PUT %s: %s", url, resp.Status)
	}
	return nil
}

// encodeID makes a string safe for use as a ranking resource id: every
// byte outside [A-Za-z0-9] becomes an underscore escape.
func encodeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
