// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/helper/testlog"
	"github.com/hashicorp/gavel/structs"
)

// rankingServer plays the ranking web service: it records every write and
// can be told to refuse some of them.
type rankingServer struct {
	mu   sync.Mutex
	puts []rankingPut

	refuseAll        bool
	refuseSubchanges int // refuse this many subchange writes, then accept
	subchangeWrites  int
}

type rankingPut struct {
	path        string // "<collection>/<id>"
	auth        string // "user:pass"
	contentType string
	body        []byte
	status      int
}

func (rs *rankingServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if req.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(req.Body)
	user, pass, _ := req.BasicAuth()
	put := rankingPut{
		path:        strings.TrimPrefix(req.URL.Path, "/"),
		auth:        user + ":" + pass,
		contentType: req.Header.Get("Content-Type"),
		body:        body,
		status:      http.StatusCreated,
	}
	switch {
	case rs.refuseAll:
		put.status = http.StatusInternalServerError
	case strings.HasPrefix(put.path, "subchanges/"):
		rs.subchangeWrites++
		if rs.subchangeWrites <= rs.refuseSubchanges {
			put.status = http.StatusServiceUnavailable
		}
	}
	rs.puts = append(rs.puts, put)
	w.WriteHeader(put.status)
}

func (rs *rankingServer) setRefuseAll(v bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.refuseAll = v
}

// paths returns every attempted write in arrival order.
func (rs *rankingServer) paths() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.puts))
	for _, p := range rs.puts {
		out = append(out, p.path)
	}
	return out
}

// accepted returns the paths of the writes that were answered 2xx.
func (rs *rankingServer) accepted() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, p := range rs.puts {
		if p.status < 300 {
			out = append(out, p.path)
		}
	}
	return out
}

// find returns the last accepted write against the given path.
func (rs *rankingServer) find(path string) (rankingPut, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := len(rs.puts) - 1; i >= 0; i-- {
		if rs.puts[i].path == path && rs.puts[i].status < 300 {
			return rs.puts[i], true
		}
	}
	return rankingPut{}, false
}

func oneRankingRelay(t *testing.T, rs *rankingServer) *Relay {
	t.Helper()
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	return NewRelay([]config.RankingEndpoint{{
		URL:      srv.URL,
		Username: "usern",
		Password: "passw",
	}}, testlog.HCLogger(t))
}

func TestEncodeID(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		in, out string
	}{
		{"username", "username"},
		{"Ada01", "Ada01"},
		{"user name", "user_20name"},
		{"a:b", "a_3ab"},
		{"con_test", "con_5ftest"},
		{"ś", "_c5_9b"},
		{"", ""},
	}
	for _, c := range cases {
		must.Eq(t, c.out, encodeID(c.in))
	}
}

func TestRelay_Inactive(t *testing.T) {
	ci.Parallel(t)

	r := NewRelay(nil, testlog.HCLogger(t))
	must.False(t, r.Active())

	sub := &structs.Submission{ID: 3, Timestamp: time.Unix(1700000000, 0)}
	r.EnqueueScore(sub, "ada", "easy", 10, nil)
	must.True(t, r.ScoreSent(3))
	must.Eq(t, 0, r.Pending())

	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())
}

func TestRelay_ScoreDelivery(t *testing.T) {
	ci.Parallel(t)

	rs := &rankingServer{}
	r := oneRankingRelay(t, rs)
	must.True(t, r.Active())

	sub := &structs.Submission{ID: 42, Timestamp: time.Unix(1700000000, 0)}
	r.EnqueueScore(sub, "ada lovelace", "easy", 65.5, []string{"30", "35.5"})
	must.Eq(t, 2, r.Pending())
	must.True(t, r.ScoreSent(42))
	must.False(t, r.TokenSent(42))

	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())

	// The submission row lands before its score change.
	must.Eq(t, []string{
		"submissions/42",
		"subchanges/170000000042s",
	}, rs.paths())

	put, ok := rs.find("submissions/42")
	must.True(t, ok)
	must.Eq(t, "usern:passw", put.auth)
	must.Eq(t, "application/json", put.contentType)
	var sd submissionData
	must.NoError(t, json.Unmarshal(put.body, &sd))
	must.Eq(t, submissionData{User: "ada_20lovelace", Task: "easy", Time: 1700000000}, sd)

	put, ok = rs.find("subchanges/170000000042s")
	must.True(t, ok)
	var change map[string]interface{}
	must.NoError(t, json.Unmarshal(put.body, &change))
	must.Eq(t, "42", change["submission"].(string))
	must.Eq(t, 65.5, change["score"].(float64))
	must.Eq(t, 1700000000, int(change["time"].(float64)))
	if _, hasToken := change["token"]; hasToken {
		t.Fatal("a score change must not carry a token mark")
	}
}

func TestRelay_TokenDelivery(t *testing.T) {
	ci.Parallel(t)

	rs := &rankingServer{}
	r := oneRankingRelay(t, rs)

	sub := &structs.Submission{ID: 7, Timestamp: time.Unix(1700000000, 0)}
	playedAt := time.Unix(1700000100, 0)
	r.EnqueueToken(sub, "ada", "easy", playedAt)
	must.True(t, r.TokenSent(7))
	must.False(t, r.ScoreSent(7))

	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())

	// The change id stamps the play time, not the submission time.
	put, ok := rs.find("subchanges/17000001007t")
	must.True(t, ok)
	var change map[string]interface{}
	must.NoError(t, json.Unmarshal(put.body, &change))
	must.True(t, change["token"].(bool))
	must.Eq(t, "7", change["submission"].(string))
	must.Eq(t, 1700000100, int(change["time"].(float64)))
	_, hasScore := change["score"]
	must.False(t, hasScore)
	_, hasExtra := change["extra"]
	must.False(t, hasExtra)
}

func TestRelay_InitPayloads(t *testing.T) {
	ci.Parallel(t)

	rs := &rankingServer{}
	r := oneRankingRelay(t, rs)

	contest := &structs.Contest{
		ID:             1,
		Name:           "con_test",
		Description:    "Contest 1",
		Start:          time.Unix(1700000000, 0),
		Stop:           time.Unix(1700086400, 0),
		ScorePrecision: 2,
	}
	parts := []*structs.Participation{
		{Username: "ada", FirstName: "Ada", LastName: "Lovelace"},
		{Username: "eve", Hidden: true},
	}
	tasks := []TaskInfo{{
		Task: &structs.Task{
			Name:           "easy",
			Title:          "Easy Task",
			Num:            0,
			ScorePrecision: 2,
		},
		MaxScore: 100,
		Headers:  []string{"Subtask 1 (30)", "Subtask 2 (70)"},
	}}

	r.EnqueueInit(contest, parts, tasks)
	must.Eq(t, 1, r.Pending())
	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())

	put, ok := rs.find("contests/con_5ftest")
	must.True(t, ok)
	var cd contestData
	must.NoError(t, json.Unmarshal(put.body, &cd))
	must.Eq(t, contestData{
		Name:           "Contest 1",
		Begin:          1700000000,
		End:            1700086400,
		ScorePrecision: 2,
	}, cd)

	// Hidden participations never reach the rankings.
	_, ok = rs.find("users/eve")
	must.False(t, ok)

	put, ok = rs.find("users/ada")
	must.True(t, ok)
	var ud userData
	must.NoError(t, json.Unmarshal(put.body, &ud))
	must.Eq(t, userData{FirstName: "Ada", LastName: "Lovelace"}, ud)
	must.StrContains(t, string(put.body), `"team":null`)

	put, ok = rs.find("tasks/easy")
	must.True(t, ok)
	var td taskData
	must.NoError(t, json.Unmarshal(put.body, &td))
	must.Eq(t, taskData{
		ShortName:      "easy",
		Name:           "Easy Task",
		Contest:        "con_5ftest",
		Order:          0,
		MaxScore:       100,
		ExtraHeaders:   []string{"Subtask 1 (30)", "Subtask 2 (70)"},
		ScorePrecision: 2,
	}, td)
}

func TestRelay_CreatesMissingSubmission(t *testing.T) {
	ci.Parallel(t)

	// Refuse the first subchange write, as a ranking that lost its
	// submission row would.
	rs := &rankingServer{refuseSubchanges: 1}
	r := oneRankingRelay(t, rs)

	sub := &structs.Submission{ID: 9, Timestamp: time.Unix(1700000000, 0)}
	r.EnqueueScore(sub, "ada", "easy", 50, nil)
	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())

	// The refused change put the submission back and retried in place.
	must.Eq(t, []string{
		"submissions/9",
		"subchanges/17000000009s",
		"submissions/9",
		"subchanges/17000000009s",
	}, rs.paths())
}

func TestRelay_RetriesUntilAccepted(t *testing.T) {
	ci.Parallel(t)

	// Three refusals outlast the in place retry, so the change has to
	// survive into later delivery passes.
	rs := &rankingServer{refuseSubchanges: 3}
	r := oneRankingRelay(t, rs)

	sub := &structs.Submission{ID: 5, Timestamp: time.Unix(1700000000, 0)}
	r.EnqueueScore(sub, "ada", "easy", 100, []string{"100"})

	r.Drain(context.Background())
	must.Eq(t, 1, r.Pending())

	// The endpoint is on backoff hold; lift it and try again.
	r.endpoints[0].downTil = time.Time{}
	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())

	// For all the refusals, exactly one subchange write was accepted.
	n := 0
	for _, p := range rs.accepted() {
		if strings.HasPrefix(p, "subchanges/") {
			n++
		}
	}
	must.Eq(t, 1, n)
}

func TestRelay_SlowRankingHoldsOnlyItself(t *testing.T) {
	ci.Parallel(t)

	rsDown := &rankingServer{}
	rsDown.setRefuseAll(true)
	srvDown := httptest.NewServer(rsDown)
	t.Cleanup(srvDown.Close)

	rsUp := &rankingServer{}
	srvUp := httptest.NewServer(rsUp)
	t.Cleanup(srvUp.Close)

	r := NewRelay([]config.RankingEndpoint{
		{URL: srvDown.URL, Username: "u", Password: "p"},
		{URL: srvUp.URL, Username: "u", Password: "p"},
	}, testlog.HCLogger(t))

	ts := time.Unix(1700000000, 0)
	r.EnqueueScore(&structs.Submission{ID: 1, Timestamp: ts}, "ada", "easy", 10, nil)
	r.EnqueueScore(&structs.Submission{ID: 2, Timestamp: ts}, "ada", "easy", 20, nil)
	must.Eq(t, 8, r.Pending())

	r.Drain(context.Background())

	// The healthy ranking got everything. The down one was tried once,
	// then skipped for the rest of the pass, keeping its ops in order.
	must.Eq(t, 4, r.Pending())
	must.Len(t, 1, rsDown.paths())
	must.Len(t, 4, rsUp.paths())

	rsDown.setRefuseAll(false)
	r.endpoints[0].downTil = time.Time{}
	r.Drain(context.Background())
	must.Eq(t, 0, r.Pending())
	must.Len(t, 5, rsDown.paths())
}
