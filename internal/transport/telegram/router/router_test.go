package router

import (
	"context"
	"strings"
	"sync"
	"testing"

	"nightowl/internal/scheduler/schedulertest"
	"nightowl/internal/task"
	kit "nightowl/internal/transport"
	logx "nightowl/pkg/logx"
)

const owner = 100

type sent struct {
	text    string
	buttons []kit.Button
}

type fakeReplier struct {
	mu      sync.Mutex
	msgs    []sent
	answers []string
}

func (f *fakeReplier) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{text: text}
	if opt != nil {
		s.buttons = opt.Buttons
	}
	f.msgs = append(f.msgs, s)
	return kit.MessageRef{MessageID: len(f.msgs)}, nil
}

func (f *fakeReplier) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeReplier) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		t.Fatal("no reply sent")
	}
	return f.msgs[len(f.msgs)-1]
}

type fixture struct {
	env   *schedulertest.Env
	r     *Router
	reply *fakeReplier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := schedulertest.New(t)
	reply := &fakeReplier{}
	r := New(Deps{Scheduler: env.Scheduler, Trash: env.Projects, Replier: reply, Owners: []int64{owner}, Log: logx.Nop()})
	return &fixture{env: env, r: r, reply: reply}
}

func (f *fixture) say(t *testing.T, from int64, text string) sent {
	t.Helper()
	f.r.Handle(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, FromID: from, Text: text}})
	return f.reply.last(t)
}

func TestSubmitCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	got := f.say(t, owner, "/task Build the landing page --project=\"Marketing Site\"")
	if !strings.Contains(got.text, "#1 queued as serious in marketing-site") {
		t.Fatalf("reply = %q", got.text)
	}
	if len(got.buttons) != 1 || got.buttons[0].Data != "cancel:1" {
		t.Fatalf("buttons = %+v", got.buttons)
	}
	tk, err := f.env.Scheduler.Get(context.Background(), 1)
	if err != nil || tk.Description != "Build the landing page" {
		t.Fatalf("task = %+v, %v", tk, err)
	}

	got = f.say(t, owner, "/think@nightowl_bot   maybe rewrite in rust")
	if !strings.Contains(got.text, "#2 queued as thought") {
		t.Fatalf("reply = %q", got.text)
	}
	if got := f.say(t, owner, "/task   "); !strings.HasPrefix(got.text, "⚠️") {
		t.Fatalf("empty description reply = %q", got.text)
	}
}

func TestOwnerOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if got := f.say(t, 7, "/task sneaky"); !strings.Contains(got.text, "Only owners") {
		t.Fatalf("reply = %q", got.text)
	}
	if got := f.say(t, 7, "/help"); !strings.Contains(got.text, "/trash list") {
		t.Fatalf("help = %q", got.text)
	}
	f.r.SetOwners([]int64{7})
	if got := f.say(t, 7, "/task allowed now"); !strings.Contains(got.text, "queued") {
		t.Fatalf("reply = %q", got.text)
	}
}

func TestCheckCancelPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, owner, "/think one")

	if got := f.say(t, owner, "/check"); !strings.Contains(got.text, "pending: 1") || !strings.Contains(got.text, "day window") {
		t.Fatalf("check = %q", got.text)
	}
	if got := f.say(t, owner, "/priority 1 serious"); got.text != "#1 is now serious" {
		t.Fatalf("priority = %q", got.text)
	}
	if got := f.say(t, owner, "/check #1"); !strings.Contains(got.text, "#1 pending (serious)") {
		t.Fatalf("check id = %q", got.text)
	}
	if got := f.say(t, owner, "/cancel 1"); got.text != "🚫 #1 cancelled" {
		t.Fatalf("cancel = %q", got.text)
	}
	if got := f.say(t, owner, "/cancel 1"); !strings.HasPrefix(got.text, "⚠️") {
		t.Fatalf("second cancel = %q", got.text)
	}
	if got := f.say(t, owner, "/check 99"); got.text != "🔍 Not found." {
		t.Fatalf("missing = %q", got.text)
	}
	if got := f.say(t, owner, "/queue cancelled"); !strings.Contains(got.text, "#1 cancelled") {
		t.Fatalf("queue = %q", got.text)
	}
}

func TestProjectCancelAndTrash(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, owner, "/task ship it --project Site")
	got := f.say(t, owner, "/cancel Site")
	if !strings.Contains(got.text, "Project site moved to trash, 1 pending") {
		t.Fatalf("cancel project = %q", got.text)
	}
	if got := f.say(t, owner, "/task more --project=site"); !strings.Contains(got.text, "/trash restore site") {
		t.Fatalf("trashed submit = %q", got.text)
	}
	if got := f.say(t, owner, "/trash list"); !strings.Contains(got.text, "project_site_") {
		t.Fatalf("trash list = %q", got.text)
	}
	if got := f.say(t, owner, "/trash restore Site"); got.text != "♻️ Project site restored." {
		t.Fatalf("restore = %q", got.text)
	}
	if got := f.say(t, owner, "/trash empty"); !strings.HasPrefix(got.text, "Removed") {
		t.Fatalf("empty = %q", got.text)
	}
}

func TestCallbackCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.say(t, owner, "/task one")
	f.r.Handle(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", FromID: owner, ChatID: 1, Data: "cancel:1"}})
	tk, err := f.env.Scheduler.Get(context.Background(), 1)
	if err != nil || tk.Status != task.StatusCancelled {
		t.Fatalf("task = %+v, %v", tk, err)
	}
	f.r.Handle(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb2", FromID: 5, Data: "cancel:1"}})
	if a := f.reply.answers; len(a) != 2 || a[0] != "Done" || !strings.Contains(a[1], "Only owners") {
		t.Fatalf("answers = %q", a)
	}
}

func TestParseProjectFlag(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, desc, project string
	}{
		{"fix login --project=auth", "fix login", "auth"},
		{"--project auth fix login", "fix login", "auth"},
		{`refactor --project="Backend API" carefully`, "refactor  carefully", "Backend API"},
		{"no flag here", "no flag here", ""},
		{"multi\nline --project=x", "multi\nline", "x"},
	}
	for _, tt := range tests {
		desc, p := ParseProjectFlag(tt.in)
		if desc != tt.desc || p != tt.project {
			t.Fatalf("ParseProjectFlag(%q) = %q, %q", tt.in, desc, p)
		}
	}
	if s, keep := cutKeepFlag("site --keep"); s != "site" || !keep {
		t.Fatalf("cutKeepFlag = %q, %v", s, keep)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	name, rest, ok := parseCommand("/Task@bot\nline one\nline two")
	if !ok || name != "task" || rest != "line one\nline two" {
		t.Fatalf("got %q %q %v", name, rest, ok)
	}
	if _, _, ok := parseCommand("hello"); ok {
		t.Fatal("plain text is not a command")
	}
}

func TestInvalidProjectName(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	got := f.say(t, owner, "/task ship it --project=!!!")
	if !strings.Contains(got.text, "Project names need") {
		t.Fatalf("reply = %q", got.text)
	}
	if tasks, err := f.env.Scheduler.List(context.Background(), task.Filter{}); err != nil || len(tasks) != 0 {
		t.Fatalf("tasks = %v, %v", tasks, err)
	}
}
