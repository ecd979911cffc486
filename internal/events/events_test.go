// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/store"
	"github.com/tombee/stagehand/internal/store/sqlite"
)

func TestRecorderAppendsEvents(t *testing.T) {
	s, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	rec := NewRecorder(s, log.New(log.DefaultConfig()))
	ctx := context.Background()

	rec.Record(ctx, RunStarted, map[string]any{"run_uuid": "run-1"})
	rec.Record(ctx, "", nil) // dropped

	events, err := s.ListEvents(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != RunStarted {
		t.Errorf("expected type %s, got %s", RunStarted, events[0].Type)
	}
}

func TestRunEventType(t *testing.T) {
	cases := map[store.Status]string{
		store.StatusStarted: RunStarted,
		store.StatusSuccess: RunSucceeded,
		store.StatusFailure: RunFailed,
		store.StatusAborted: RunAborted,
		store.StatusPending: "",
	}
	for status, want := range cases {
		if got := RunEventType(status); got != want {
			t.Errorf("RunEventType(%s) = %q, want %q", status, got, want)
		}
	}
}
