package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/chavrusa-dev/chavrusa/pkg/api"
	"github.com/chavrusa-dev/chavrusa/pkg/chat"
)

func newChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive study session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer app.shutdown()
			return runChat(cmd.Context(), app)
		},
	}
}

func runChat(ctx context.Context, app *app) error {
	if err := app.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize chat: %w", err)
	}
	if err := app.store.StartSnapshots(); err != nil {
		return err
	}

	fmt.Println("Welcome to Chavrusa. Type a question, or /help for commands.")
	printRabbi(app.store)

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)

	// Never closed: a send may still be in flight when the REPL exits and
	// the process ends with it.
	replies := make(chan string, 4)
	go func() {
		for r := range replies {
			fmt.Printf("\n%s\n", r)
		}
	}()

	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println("\nKol tuv!")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := runCommand(ctx, app, input); quit {
				fmt.Println("Kol tuv!")
				return nil
			}
			continue
		}

		go func(text string) {
			before := messageCount(app.store)
			if err := app.store.SendMessage(ctx, text); err != nil {
				replies <- fmt.Sprintf("! %v", err)
				return
			}
			if reply := lastAssistantReply(app.store, before); reply != "" {
				replies <- reply
			}
		}(input)
	}
}

// runCommand handles a slash command. Returns true to exit the REPL.
func runCommand(ctx context.Context, app *app, input string) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Print(`Commands:
  /sessions            list sessions
  /new [title]         start a new session
  /switch <id>         switch to a session
  /delete <id>         delete a session
  /rename <id> <title> rename a session
  /rabbi [id]          show or select the rabbi
  /rabbis              list available rabbis
  /refs                show references for this session
  /retry <message-id>  retry a failed message
  /abort               cancel the in-flight message
  /translate <lang> <text>  translate text (e.g. /translate he hello)
  /quit                leave
`)

	case "/sessions":
		for _, s := range app.store.SortedSessions() {
			marker := " "
			if s.ID == app.store.CurrentSessionID() {
				marker = "*"
			}
			fmt.Printf("%s %s  %-24s %d messages  %s\n",
				marker, s.ID, s.Title, len(s.Messages), s.LastActivity.Format("Jan 2 15:04"))
		}

	case "/new":
		title := strings.Join(args, " ")
		id := app.store.CreateSession(ctx, title)
		fmt.Printf("Started session %s\n", id)

	case "/switch":
		if len(args) != 1 {
			fmt.Println("usage: /switch <id>")
			break
		}
		app.store.SwitchSession(ctx, args[0])
		printTranscript(app.store)

	case "/delete":
		if len(args) != 1 {
			fmt.Println("usage: /delete <id>")
			break
		}
		app.store.DeleteSession(args[0])

	case "/rename":
		if len(args) < 2 {
			fmt.Println("usage: /rename <id> <title>")
			break
		}
		app.store.UpdateSessionTitle(args[0], strings.Join(args[1:], " "))

	case "/rabbi":
		if len(args) == 1 {
			app.store.SelectRabbi(args[0])
		}
		printRabbi(app.store)

	case "/rabbis":
		for _, r := range app.store.Rabbis() {
			fmt.Printf("%-16s %s (%s)\n", r.ID, r.Name, r.Era)
		}

	case "/refs":
		sess := app.store.CurrentSession()
		if sess == nil || len(sess.References) == 0 {
			fmt.Println("No references yet.")
			break
		}
		for _, ref := range sess.References {
			fmt.Printf("  %s  %s\n", ref.Reference, ref.URL)
		}

	case "/retry":
		if len(args) != 1 {
			fmt.Println("usage: /retry <message-id>")
			break
		}
		if err := app.store.RetryMessage(ctx, args[0]); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case "/abort":
		app.store.AbortCurrentMessage()

	case "/translate":
		if len(args) < 2 {
			fmt.Println("usage: /translate <lang> <text>")
			break
		}
		res, err := app.client.Translate(ctx, api.TranslateRequest{
			Text:       strings.Join(args[1:], " "),
			TargetLang: args[0],
		})
		if err != nil {
			fmt.Printf("! %v\n", err)
			break
		}
		fmt.Println(res.TranslatedText)

	default:
		fmt.Printf("Unknown command %s. Try /help.\n", cmd)
	}

	return false
}

func printRabbi(store *chat.Store) {
	id := store.SelectedRabbi()
	for _, r := range store.Rabbis() {
		if r.ID == id {
			fmt.Printf("Learning with %s, %s.\n", r.Name, r.Era)
			return
		}
	}
	if id != "" {
		fmt.Printf("Learning with %s.\n", id)
	}
}

func printTranscript(store *chat.Store) {
	sess := store.CurrentSession()
	if sess == nil {
		return
	}
	fmt.Printf("-- %s --\n", sess.Title)
	for _, m := range sess.Messages {
		speaker := sess.Rabbi
		if m.IsUser {
			speaker = "you"
		}
		suffix := ""
		if m.Status == chat.StatusFailed {
			suffix = fmt.Sprintf("  [failed, /retry %s]", m.ID)
		}
		fmt.Printf("%s: %s%s\n", speaker, m.Content, suffix)
	}
}

func messageCount(store *chat.Store) int {
	if sess := store.CurrentSession(); sess != nil {
		return len(sess.Messages)
	}
	return 0
}

// lastAssistantReply returns the newest assistant message if the transcript
// grew past before.
func lastAssistantReply(store *chat.Store, before int) string {
	sess := store.CurrentSession()
	if sess == nil || len(sess.Messages) <= before {
		return ""
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if !sess.Messages[i].IsUser {
			return sess.Messages[i].Content
		}
	}
	return ""
}
