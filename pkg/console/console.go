// Package console is a small interactive collaborator used to exercise the
// engine from a terminal: it reads and writes tables, triggers drains and
// performs offline login.
package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"

	"github.com/retailpoint/storesync/pkg/appcontext"
	"github.com/retailpoint/storesync/pkg/connectivity"
	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/services"
)

type Console struct {
	rl      *readline.Instance
	svc     *services.Service
	monitor *connectivity.Monitor
	storeID string
	session models.Session
	authed  bool
}

func NewConsole(svc *services.Service, monitor *connectivity.Monitor) (*Console, error) {
	rl, err := readline.New("> ")
	if err != nil {
		return nil, err
	}
	c := &Console{rl: rl, svc: svc, monitor: monitor}
	svc.Notify = func(msg string) { fmt.Println(msg) }
	return c, nil
}

func (c *Console) Close() {
	c.rl.Close()
}

// Start runs the command loop until EOF or "quit".
func (c *Console) Start(ctx context.Context) {
	fmt.Println("commands: login, read <table>, add <table>, update <table> <key>, delete <table> <key>, drain, status, online, offline, quit")
	for {
		c.rl.SetPrompt(c.prompt())
		line, err := c.rl.Readline()
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return
		case "online":
			c.monitor.Set(true)
		case "offline":
			c.monitor.Set(false)
		case "login":
			c.login(ctx)
		case "drain":
			report, err := c.svc.DrainQueue(c.cmdCtx(ctx))
			if err != nil {
				fmt.Println("drain failed:", err)
				continue
			}
			fmt.Printf("drained: %d confirmed, %d failed, %d skipped\n",
				report.Confirmed, report.Failed, report.Skipped)
		case "status":
			c.status(c.cmdCtx(ctx))
		case "read":
			if len(args) < 2 {
				fmt.Println("usage: read <table>")
				continue
			}
			c.read(c.cmdCtx(ctx), args[1])
		case "add":
			if len(args) < 2 {
				fmt.Println("usage: add <table>")
				continue
			}
			c.write(c.cmdCtx(ctx), args[1], models.ActionInsert, "")
		case "update":
			if len(args) < 3 {
				fmt.Println("usage: update <table> <key>")
				continue
			}
			c.write(c.cmdCtx(ctx), args[1], models.ActionUpdate, args[2])
		case "delete":
			if len(args) < 3 {
				fmt.Println("usage: delete <table> <key>")
				continue
			}
			res, err := c.svc.Write(c.cmdCtx(ctx), args[1], models.ActionDelete, map[string]any{"id": args[2]}, c.storeID)
			if err != nil {
				fmt.Println("delete failed:", err)
				continue
			}
			if res.Queued {
				fmt.Println("delete queued")
			} else {
				fmt.Println("deleted")
			}
		default:
			fmt.Println("unknown command:", args[0])
		}
	}
}

// cmdCtx attaches the logged-in identity and scope to a command's context.
func (c *Console) cmdCtx(ctx context.Context) context.Context {
	if c.authed {
		ctx = appcontext.WithSession(ctx, c.session)
	}
	if c.storeID != "" {
		ctx = appcontext.WithStoreID(ctx, c.storeID)
	}
	return ctx
}

func (c *Console) prompt() string {
	state := "online"
	if !c.monitor.Online() {
		state = "offline"
	}
	return fmt.Sprintf("[%s] > ", state)
}

func (c *Console) login(ctx context.Context) {
	c.rl.SetPrompt("Email: ")
	email, _ := c.rl.Readline()
	c.rl.SetPrompt("Store id: ")
	storeID, _ := c.rl.Readline()
	c.rl.SetPrompt("Role: ")
	role, _ := c.rl.Readline()
	c.rl.SetPrompt("Password: ")
	c.rl.Config.EnableMask = true
	password, _ := c.rl.Readline()
	c.rl.Config.EnableMask = false

	session, err := c.svc.AuthenticateOffline(ctx, strings.TrimSpace(email), password,
		strings.TrimSpace(storeID), strings.TrimSpace(role))
	if err != nil {
		fmt.Println("Login failed.")
		return
	}
	c.storeID = session.StoreID
	c.session = session
	c.authed = true
	fmt.Printf("Logged in as %s (store %s). Grants: %s\n",
		session.Email, session.StoreID, strings.Join(session.Grants, ", "))
}

func (c *Console) status(ctx context.Context) {
	counts, err := c.svc.PendingByTable(ctx)
	if err != nil {
		fmt.Println("status failed:", err)
		return
	}
	total := 0
	for table, n := range counts {
		fmt.Printf("  %-15s %d pending\n", table, n)
		total += n
	}
	fmt.Printf("%d pending operations, last sync %s\n", total, c.svc.LastSync())
}

func (c *Console) read(ctx context.Context, table string) {
	res, err := c.svc.Read(ctx, table, c.storeID)
	if err != nil {
		fmt.Println("read failed:", err)
		return
	}
	if res.Stale {
		fmt.Println("(showing cached data)")
	}
	for _, rec := range res.Records {
		fmt.Printf("  %s: %v\n", rec.Key, rec.Fields)
	}
	if len(res.Records) == 0 {
		fmt.Println("  (empty)")
	}
}

func (c *Console) write(ctx context.Context, table string, action models.Action, key string) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		fmt.Println(err)
		return
	}
	payload := make(map[string]any)
	if key != "" {
		payload["id"] = key
	}
	if c.storeID != "" && schema.ScopeField != "" {
		payload[schema.ScopeField] = c.storeID
	}
	for _, field := range schema.Required {
		if _, ok := payload[field]; ok {
			continue
		}
		c.rl.SetPrompt(fmt.Sprintf("%s: ", field))
		value, _ := c.rl.Readline()
		payload[field] = strings.TrimSpace(value)
	}

	res, err := c.svc.Write(ctx, table, action, payload, c.storeID)
	if err != nil {
		fmt.Println("write failed:", err)
		return
	}
	if res.Queued {
		fmt.Printf("saved offline as %s, will sync\n", res.Record.Key)
	} else {
		fmt.Printf("saved as %s\n", res.Record.Key)
	}
}
