// Package router maps chat commands onto scheduler operations.
package router

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"nightowl/internal/project"
	rtsup "nightowl/internal/runtime/supervisor"
	"nightowl/internal/scheduler"
	"nightowl/internal/task"
	kit "nightowl/internal/transport"
	logx "nightowl/pkg/logx"
)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

// Scheduler is the part of *scheduler.Scheduler the commands use.
type Scheduler interface {
	Submit(ctx context.Context, description string, priority task.Priority, projectName string) (task.Task, error)
	Cancel(ctx context.Context, taskID int64) (task.Task, error)
	CancelProject(ctx context.Context, name string, keepWorkspace bool) (scheduler.ProjectCancel, error)
	RestoreProject(ctx context.Context, name string) (project.Project, error)
	UpdatePriority(ctx context.Context, taskID int64, p task.Priority) (task.Task, error)
	Get(ctx context.Context, taskID int64) (task.Task, error)
	List(ctx context.Context, f task.Filter) ([]task.Task, error)
	Snapshot(ctx context.Context) (scheduler.Snapshot, error)
	Report(ctx context.Context) (scheduler.Report, error)
}

// Trash is the workspace trash of the project registry.
type Trash interface {
	ListTrash() ([]project.TrashEntry, error)
	EmptyTrash() (int, error)
}

// Replier is the part of a chat adapter the router writes to.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	// Text is everything after the command word, untouched.
	Text   string
	Args   []string
	Logger logx.Logger
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

type Deps struct {
	Scheduler Scheduler
	Trash     Trash
	Replier   Replier
	Owners    []int64
	Log       logx.Logger
	// Timeout bounds one command; 0 means 30s.
	Timeout time.Duration
}

type Router struct {
	sched   Scheduler
	trash   Trash
	reply   Replier
	log     logx.Logger
	timeout time.Duration

	mu     sync.RWMutex
	owners []int64

	cmds  []Command
	index map[string]*Command
}

func New(d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	r := &Router{
		sched:   d.Scheduler,
		trash:   d.Trash,
		reply:   d.Replier,
		log:     d.Log,
		timeout: d.Timeout,
		owners:  append([]int64(nil), d.Owners...),
	}
	r.cmds = r.commands()
	r.index = map[string]*Command{}
	for i := range r.cmds {
		c := &r.cmds[i]
		r.index[c.Name] = c
		for _, a := range c.Aliases {
			r.index[a] = c
		}
	}
	return r
}

// SetOwners swaps the owner list (config reload).
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

// IsOwner reports whether id may run owner-only commands. An empty owner
// list admits nobody.
func (r *Router) IsOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Menu lists the commands for the platform menu.
func (r *Router) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run handles updates with a few workers until ctx ends or updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < 2; i++ {
		sup.GoRestart("router.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-updates:
					if !ok {
						return nil
					}
					r.Handle(c, up)
				}
			}
		})
	}
	<-ctx.Done()
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sup.Stop(wctx)
}

// Handle runs one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, up kit.Update) {
	m := up.Message
	name, rest, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	cmd := r.index[name]
	if cmd == nil {
		return
	}
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID},
		FromID:  m.FromID,
		Command: cmd.Name,
		Text:    rest,
		Args:    strings.Fields(rest),
		Logger:  r.log.With(logx.String("cmd", cmd.Name), logx.Int64("from_id", m.FromID)),
	}
	if cmd.Access == AccessOwnerOnly && !r.IsOwner(m.FromID) {
		req.Logger.Warn("command refused: not an owner")
		r.send(ctx, req, "⛔ Only owners can use /"+cmd.Name+".")
		return
	}
	h := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.timeout))
	if err := h(ctx, req); err != nil {
		r.send(ctx, req, userError(err))
	}
}

func (r *Router) handleCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID},
		FromID:  cb.FromID,
		Command: "callback",
		Text:    cb.Data,
		Logger:  r.log.With(logx.String("callback", cb.Data), logx.Int64("from_id", cb.FromID)),
	}
	answer := func(text string) {
		actx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.reply.AnswerCallback(actx, cb.ID, text); err != nil {
			req.Logger.Debug("answer callback failed", logx.Err(err))
		}
	}
	if !r.IsOwner(cb.FromID) {
		answer("Only owners can do that.")
		return
	}
	h := Chain(r.onCallback, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.timeout))
	if err := h(ctx, req); err != nil {
		answer(userError(err))
		return
	}
	answer("Done")
}

func (r *Router) send(ctx context.Context, req *Request, text string, buttons ...kit.Button) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	opt := &kit.SendOptions{DisablePreview: true, Buttons: buttons}
	if _, err := r.reply.SendText(sctx, req.Chat, text, opt); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

// parseCommand splits "/name@bot rest" into ("name", "rest").
func parseCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head := text[1:]
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, rest = head[:i], head[i:]
	}
	head, _, _ = strings.Cut(head, "@")
	head = strings.ToLower(head)
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}
