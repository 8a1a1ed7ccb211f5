package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid request",
			req: &Request{
				Protocol:   1,
				JobID:      "20230115",
				Tool:       "ad",
				ResultDir:  "/data/result_20230115",
				Config:     map[string]any{"key": "value"},
				Partitions: map[string]string{"ads.impressions": "20230115"},
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{
					`"protocol":1`,
					`"job_id":"20230115"`,
					`"tool":"ad"`,
					`"result_dir":"/data/result_20230115"`,
					`"partitions":{"ads.impressions":"20230115"}`,
				} {
					if !strings.Contains(output, want) {
						t.Errorf("output missing %s: %s", want, output)
					}
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, JobID: "test"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "ok with outputs and logs",
			input: `{"status":"ok","outputs":["report.csv"],"logs":[{"level":"debug","message":"rows=10"}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Outputs) != 1 || resp.Outputs[0] != "report.csv" {
					t.Errorf("outputs = %v", resp.Outputs)
				}
				if len(resp.Logs) != 1 || resp.Logs[0].Message != "rows=10" {
					t.Errorf("logs = %v", resp.Logs)
				}
			},
		},
		{
			name:  "error with message",
			input: `{"status":"error","error":"no data"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Error != "no data" {
					t.Errorf("error = %q", resp.Error)
				}
			},
		},
		{name: "missing status", input: `{"outputs":[]}`, wantErr: "status"},
		{name: "invalid status", input: `{"status":"maybe"}`, wantErr: "invalid status"},
		{name: "error without message", input: `{"status":"error"}`, wantErr: "no error message"},
		{name: "unknown field", input: `{"status":"ok","extra":1}`, wantErr: "failed to decode"},
		{name: "not json", input: `hello`, wantErr: "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("DecodeResponse() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResponse() error = %v", err)
			}
			tt.checkFn(t, resp)
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	resp, raw, err := DecodeResponseLenient(strings.NewReader(`{"status":"ok","extra":true}`))
	if err != nil {
		t.Fatalf("DecodeResponseLenient() error = %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if len(raw) == 0 {
		t.Error("raw bytes not returned")
	}

	_, raw, err = DecodeResponseLenient(strings.NewReader("traceback..."))
	if err == nil {
		t.Fatal("expected error for non-JSON output")
	}
	if string(raw) != "traceback..." {
		t.Errorf("raw = %q", raw)
	}

	if _, _, err := DecodeResponseLenient(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty output")
	}
}
