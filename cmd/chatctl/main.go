package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 30*time.Second, "deadline for a single command")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	profileName, source := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fail(fmt.Errorf("%s: %w", source, err))
	}

	if args[0] == "use" {
		cmdUse(args[1:])
		return
	}

	socketPath := profile.SocketPath(profileName)
	cc, err := api.Dial(socketPath)
	if err != nil {
		fail(fmt.Errorf("cannot connect to daemon for profile %q: %w", profileName, err))
	}
	defer func() { _ = cc.Close() }()
	c := api.NewClient(cc)

	if args[0] == "watch" {
		cmdWatch(c, args[1:])
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	var out any
	switch args[0] {
	case "open":
		out, err = c.Open(ctx, roomArg(args, 1))
	case "close":
		out, err = c.Close(ctx, roomArg(args, 1))
	case "status":
		out, err = c.Status(ctx, roomArg(args, 1))
	case "send":
		out, err = cmdSend(ctx, c, args[1:])
	case "recall":
		err = c.Recall(ctx, roomArg(args, 1), intArg(args, 2, "uuid"))
	case "retry":
		out, err = c.Retry(ctx, roomArg(args, 1), intArg(args, 2, "msg_id"))
	case "older":
		var anchor int64
		if len(args) > 2 {
			anchor = intArg(args, 2, "anchor")
		}
		out, err = c.LoadOlder(ctx, roomArg(args, 1), anchor)
	case "newer":
		out, err = c.LoadNewer(ctx, roomArg(args, 1))
	case "resume":
		if len(args) < 3 {
			fail(errors.New("usage: chatctl resume <room> <token>"))
		}
		err = c.Resume(ctx, args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fail(err)
	}
	if out == nil {
		fmt.Println("ok")
		return
	}
	if *jsonFlag {
		outputJSON(out)
		return
	}
	printHuman(out)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--profile <name>] [--json] [--timeout <d>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  open <room>                    Open a room session")
	fmt.Fprintln(os.Stderr, "  close <room>                   Close a room session")
	fmt.Fprintln(os.Stderr, "  status <room>                  Show connection and sync state")
	fmt.Fprintln(os.Stderr, "  send <room> [flags] <text>     Send a message (-type, -content, -quote)")
	fmt.Fprintln(os.Stderr, "  recall <room> <uuid>           Recall a sent message")
	fmt.Fprintln(os.Stderr, "  retry <room> <msg_id>          Re-send a failed message")
	fmt.Fprintln(os.Stderr, "  older <room> [anchor]          Page of history before anchor")
	fmt.Fprintln(os.Stderr, "  newer <room>                   Pull everything after the newest message")
	fmt.Fprintln(os.Stderr, "  resume <room> <token>          Install a fresh token and resume sends")
	fmt.Fprintln(os.Stderr, "  watch [room] [-prefix <kind>]  Stream events")
	fmt.Fprintln(os.Stderr, "  use <profile>                  Set the default profile")
}

func cmdSend(ctx context.Context, c *api.Client, args []string) (*api.MessageView, error) {
	if len(args) == 0 {
		return nil, errors.New("usage: chatctl send <room> [-type t] [-content json] [-quote uuid] [text]")
	}
	room := args[0]
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	typ := fs.String("type", "text", "message type: text, image, video, audio")
	content := fs.String("content", "", "raw JSON payload for the type")
	quote := fs.Int64("quote", 0, "uuid of the quoted message")
	_ = fs.Parse(args[1:])

	raw := json.RawMessage(*content)
	if *content == "" {
		if *typ != "text" || fs.NArg() == 0 {
			return nil, errors.New("send: give -content for non-text messages, or text to send")
		}
		data, err := json.Marshal(map[string]string{"text": strings.Join(fs.Args(), " ")})
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return c.Send(ctx, &api.SendRequest{Room: room, Type: *typ, Content: raw, QuoteUUID: *quote})
}

func cmdWatch(c *api.Client, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	prefix := fs.String("prefix", "", "event kind prefix, e.g. message.")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stream, err := c.Watch(ctx, &api.WatchRequest{Room: fs.Arg(0), Prefix: *prefix})
	if err != nil {
		fail(err)
	}
	enc := json.NewEncoder(os.Stdout)
	for {
		env, err := stream.Recv()
		if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			fail(err)
		}
		_ = enc.Encode(env)
	}
}

func cmdUse(args []string) {
	if len(args) != 1 {
		fail(errors.New("usage: chatctl use <profile>"))
	}
	if err := profile.ValidateName(args[0]); err != nil {
		fail(err)
	}
	path := profile.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		cfg = &config.Config{}
	}
	cfg.DefaultProfile = args[0]
	if err := config.Save(path, cfg); err != nil {
		fail(err)
	}
	fmt.Printf("default profile: %s\n", args[0])
}

func printHuman(out any) {
	switch v := out.(type) {
	case *api.StatusResponse:
		fmt.Printf("Profile:   %s\n", v.Profile)
		fmt.Printf("Room:      %s\n", v.Room)
		fmt.Printf("State:     %s\n", v.State)
		fmt.Printf("Suspended: %v\n", v.Suspended)
		fmt.Printf("Watermark: %d\n", v.Watermark)
		fmt.Printf("Pending:   %d\n", v.Pending)
		if v.LastError != "" {
			fmt.Printf("Error:     %s\n", v.LastError)
		}
	case *api.CloseResponse:
		fmt.Printf("Closed: %v\n", v.Closed)
	case *api.MessageView:
		printMessage(v)
	case *api.PageResponse:
		for _, m := range v.Messages {
			printMessage(m)
		}
	case *api.PullResponse:
		fmt.Printf("Pulled %d messages in %d pages (max uuid %d)\n", v.Messages, v.Pages, v.MaxUUID)
	default:
		outputJSON(v)
	}
}

func printMessage(m *api.MessageView) {
	line := fmt.Sprintf("#%d [%s] %s msg=%d %s %s", m.UUID, m.State, m.SenderID, m.MsgID, m.Type, m.Content)
	if m.Quote != nil {
		line += fmt.Sprintf(" (quote #%d %s)", m.Quote.UUID, m.Quote.Status)
	}
	fmt.Println(line)
}

func roomArg(args []string, i int) string {
	if len(args) <= i {
		fail(fmt.Errorf("usage: chatctl %s <room>", args[0]))
	}
	return args[i]
}

func intArg(args []string, i int, name string) int64 {
	if len(args) <= i {
		fail(fmt.Errorf("usage: chatctl %s <room> <%s>", args[0], name))
	}
	n, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		fail(fmt.Errorf("invalid %s %q", name, args[i]))
	}
	return n
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
