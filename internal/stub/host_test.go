package stub

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

type reply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func startHost(t *testing.T, opts Options) (io.WriteCloser, *bufio.Scanner) {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Serve(ctx, inR, outW, opts)
		outW.Close()
		close(done)
	}()

	t.Cleanup(func() {
		inW.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	return inW, bufio.NewScanner(outR)
}

func readReply(t *testing.T, s *bufio.Scanner) reply {
	t.Helper()
	for s.Scan() {
		var r reply
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		return r
	}
	t.Fatalf("no reply: %v", s.Err())
	return reply{}
}

func TestServeEcho(t *testing.T) {
	in, out := startHost(t, Options{Mode: ModeEcho})

	tests := []struct {
		name    string
		request string
		check   func(t *testing.T, r reply)
	}{
		{
			name:    "ping returns pong",
			request: `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"tool":"ping","args":{}}}`,
			check: func(t *testing.T, r reply) {
				if string(r.Result) != `"pong"` {
					t.Errorf("expected pong, got %s", r.Result)
				}
			},
		},
		{
			name:    "echo returns args",
			request: `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"tool":"echo","args":{"a":1}}}`,
			check: func(t *testing.T, r reply) {
				if string(r.Result) != `{"a":1}` {
					t.Errorf("expected args back, got %s", r.Result)
				}
			},
		},
		{
			name:    "fail returns error object",
			request: `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"tool":"fail","args":{}}}`,
			check: func(t *testing.T, r reply) {
				if r.Error == nil || r.Error.Code != -32000 {
					t.Errorf("expected tool error, got %+v", r)
				}
			},
		},
		{
			name:    "health check",
			request: `{"jsonrpc":"2.0","id":4,"method":"health/check","params":{}}`,
			check: func(t *testing.T, r reply) {
				var hs struct {
					Status string `json:"status"`
				}
				if err := json.Unmarshal(r.Result, &hs); err != nil || hs.Status != "healthy" {
					t.Errorf("unexpected health result %s", r.Result)
				}
			},
		},
		{
			name:    "unknown method",
			request: `{"jsonrpc":"2.0","id":5,"method":"nope","params":{}}`,
			check: func(t *testing.T, r reply) {
				if r.Error == nil || r.Error.Code != -32601 {
					t.Errorf("expected method not found, got %+v", r)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := io.WriteString(in, tt.request+"\n"); err != nil {
				t.Fatal(err)
			}
			tt.check(t, readReply(t, out))
		})
	}
}

func TestServeNoisyEmitsMalformedLines(t *testing.T) {
	in, out := startHost(t, Options{Mode: ModeNoisy})

	io.WriteString(in, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"tool":"ping","args":{}}}`+"\n")

	var lines []string
	for out.Scan() {
		lines = append(lines, out.Text())
		if strings.Contains(out.Text(), `"pong"`) {
			break
		}
	}

	if len(lines) != 3 {
		t.Fatalf("expected noise, stray and real reply, got %v", lines)
	}
	if json.Valid([]byte(lines[0])) {
		t.Errorf("first line should be malformed: %s", lines[0])
	}
}

func TestServeUnknownMode(t *testing.T) {
	err := Serve(context.Background(), strings.NewReader(""), io.Discard, Options{Mode: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestLineCodecSkipsBlankLines(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\n\n{\"a\":1}\n"))
	var v map[string]int
	if err := (LineCodec{}).ReadObject(r, &v); err != nil {
		t.Fatal(err)
	}
	if v["a"] != 1 {
		t.Errorf("unexpected object %v", v)
	}
	if err := (LineCodec{}).ReadObject(r, &v); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}
