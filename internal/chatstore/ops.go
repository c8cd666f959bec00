package chatstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Operation executes one chat tool against an open store.
type Operation func(ctx context.Context, s *Store, args json.RawMessage) (any, error)

type threadArgs struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
	Role     string `json:"role"`
	Content  string `json:"content"`
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	Format   string `json:"format"`
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func decode(args json.RawMessage) (threadArgs, error) {
	var a threadArgs
	if len(args) == 0 || string(args) == "null" {
		return a, nil
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return a, fmt.Errorf("invalid arguments: %w", err)
	}
	return a, nil
}

func requireThread(a threadArgs) error {
	if a.ThreadID == "" {
		return fmt.Errorf("thread_id is required")
	}
	return nil
}

var operations = map[string]Operation{
	"create_thread": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		t, err := s.CreateThread(ctx, a.Title)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "thread": t}, nil
	},
	"get_threads": func(ctx context.Context, s *Store, _ json.RawMessage) (any, error) {
		threads, err := s.Threads(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "threads": threads}, nil
	},
	"get_current_thread": func(ctx context.Context, s *Store, _ json.RawMessage) (any, error) {
		id, err := s.CurrentThreadID(ctx)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return map[string]any{"success": true, "thread": nil, "messages": []Message{}}, nil
		}
		return threadWithMessages(ctx, s, id)
	},
	"switch_thread": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := requireThread(a); err != nil {
			return nil, err
		}
		if _, err := s.SwitchThread(ctx, a.ThreadID); err != nil {
			return nil, err
		}
		return threadWithMessages(ctx, s, a.ThreadID)
	},
	"add_message": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		m, err := s.AddMessage(ctx, a.ThreadID, a.Role, a.Content)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "message": m}, nil
	},
	"update_thread_title": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := requireThread(a); err != nil {
			return nil, err
		}
		t, err := s.RenameThread(ctx, a.ThreadID, a.Title)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "thread": t}, nil
	},
	"delete_thread": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := requireThread(a); err != nil {
			return nil, err
		}
		if err := s.DeleteThread(ctx, a.ThreadID); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "deleted": a.ThreadID}, nil
	},
	"search_conversations": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		hits, err := s.Search(ctx, a.Query, a.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "results": hits}, nil
	},
	"export_thread": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := requireThread(a); err != nil {
			return nil, err
		}
		out, err := Export(ctx, s, a.ThreadID, a.Format)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "format": formatOrDefault(a.Format), "content": out}, nil
	},
	"get_storage_stats": func(ctx context.Context, s *Store, _ json.RawMessage) (any, error) {
		st, err := s.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "stats": st}, nil
	},
	"store_api_key": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := s.SetAPIKey(ctx, a.Provider, a.APIKey); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	},
	"get_api_key": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		key, err := s.APIKey(ctx, a.Provider)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return map[string]any{"success": true, "api_key": nil}, nil
		}
		return map[string]any{"success": true, "api_key": key}, nil
	},
	"clear_api_key": func(ctx context.Context, s *Store, args json.RawMessage) (any, error) {
		a, err := decode(args)
		if err != nil {
			return nil, err
		}
		if err := s.ClearAPIKey(ctx, a.Provider); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	},
}

// Lookup returns the operation registered under name (without the chat/ prefix).
func Lookup(name string) (Operation, bool) {
	op, ok := operations[name]
	return op, ok
}

// Names lists the registered operation names in sorted order.
func Names() []string {
	names := make([]string, 0, len(operations))
	for n := range operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run opens the store at path, executes op and closes the store.
func Run(ctx context.Context, path string, op Operation, args json.RawMessage) (any, error) {
	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return op(ctx, s, args)
}

func threadWithMessages(ctx context.Context, s *Store, id string) (any, error) {
	t, err := s.Thread(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "thread": t, "messages": msgs}, nil
}

func formatOrDefault(f string) string {
	if f == "" {
		return "markdown"
	}
	return strings.ToLower(f)
}

// Export renders a thread as markdown or JSON.
func Export(ctx context.Context, s *Store, id, format string) (string, error) {
	t, err := s.Thread(ctx, id)
	if err != nil {
		return "", err
	}
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return "", err
	}
	switch formatOrDefault(format) {
	case "json":
		b, err := json.MarshalIndent(map[string]any{"thread": t, "messages": msgs}, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "markdown", "md":
		var sb strings.Builder
		fmt.Fprintf(&sb, "# %s\n\n", t.Title)
		for _, m := range msgs {
			fmt.Fprintf(&sb, "## %s (%s)\n\n%s\n\n", m.Role, m.CreatedAt, m.Content)
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}
