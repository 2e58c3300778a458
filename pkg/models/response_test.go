package models

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestResponse(t *testing.T) *CachedResponse {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/widgets?page=2", nil)
	req.Header.Set("Accept", "application/json")

	resp := &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Etag":          []string{`"abc"`},
			"Last-Modified": []string{"Wed, 21 Oct 2015 07:28:00 GMT"},
			"Set-Cookie":    []string{"session=xyz; Path=/"},
		},
		Request: req,
	}
	return NewCachedResponse(resp, []byte(`{"ok":true}`), time.Now().Add(time.Hour))
}

func TestCachedResponse_IsExpired(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{
			name:    "never expires",
			expires: time.Time{},
			want:    false,
		},
		{
			name:    "expired entry",
			expires: time.Now().Add(-1 * time.Hour),
			want:    true,
		},
		{
			name:    "valid entry",
			expires: time.Now().Add(1 * time.Hour),
			want:    false,
		},
		{
			name:    "just expired",
			expires: time.Now().Add(-1 * time.Second),
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &CachedResponse{Expires: tt.expires}
			if got := r.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCachedResponse_TTL(t *testing.T) {
	tests := []struct {
		name    string
		expires time.Time
		wantMin time.Duration
		wantMax time.Duration
	}{
		{
			name:    "one hour remaining",
			expires: time.Now().Add(1 * time.Hour),
			wantMin: 59 * time.Minute,
			wantMax: 61 * time.Minute,
		},
		{
			name:    "already expired",
			expires: time.Now().Add(-1 * time.Hour),
			wantMin: 0,
			wantMax: 0,
		},
		{
			name:    "never expires",
			expires: time.Time{},
			wantMin: 0,
			wantMax: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &CachedResponse{Expires: tt.expires}
			got := r.TTL()
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("TTL() = %v, want between %v and %v", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestNewCachedResponse(t *testing.T) {
	r := newTestResponse(t)

	if r.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", r.StatusCode)
	}
	if r.Reason != "OK" {
		t.Errorf("Reason = %q, want OK", r.Reason)
	}
	if r.URL != "https://example.com/widgets?page=2" {
		t.Errorf("URL = %q", r.URL)
	}
	if r.ETag() != `"abc"` {
		t.Errorf("ETag() = %q", r.ETag())
	}
	if r.LastModified() == "" {
		t.Error("LastModified() is empty")
	}
	if r.Request.Method != http.MethodGet {
		t.Errorf("Request.Method = %q", r.Request.Method)
	}
	if len(r.Cookies) != 1 || r.Cookies[0].Name != "session" {
		t.Errorf("Cookies = %+v", r.Cookies)
	}
	if r.Expires.Location() != time.UTC {
		t.Errorf("Expires not in UTC: %v", r.Expires.Location())
	}
	if r.CreatedAt.Nanosecond()%int(Precision) != 0 {
		t.Errorf("CreatedAt not truncated to %v: %v", Precision, r.CreatedAt)
	}
}

func TestCachedResponse_AddHistory(t *testing.T) {
	r := newTestResponse(t)

	redirect := &CachedResponse{
		StatusCode: http.StatusMovedPermanently,
		Headers:    http.Header{"Location": []string{"/widgets"}},
		History:    []CachedResponse{{StatusCode: http.StatusFound}},
	}
	r.AddHistory(redirect)

	if len(r.History) != 1 {
		t.Fatalf("len(History) = %d, want 1", len(r.History))
	}
	if r.History[0].History != nil {
		t.Error("history entries must not carry their own history")
	}

	// Mutating the source must not alias into the stored copy
	redirect.Headers.Set("Location", "/elsewhere")
	if got := r.History[0].Headers.Get("Location"); got != "/widgets" {
		t.Errorf("history aliased source headers: Location = %q", got)
	}
}

func TestCachedResponse_Clone(t *testing.T) {
	r := newTestResponse(t)
	r.AddHistory(&CachedResponse{StatusCode: http.StatusFound, Headers: http.Header{}})

	c := r.Clone()
	c.Content[0] = 'X'
	c.Headers.Set("ETag", `"changed"`)
	c.History[0].StatusCode = http.StatusTeapot

	if r.Content[0] == 'X' {
		t.Error("Clone shares Content")
	}
	if r.ETag() != `"abc"` {
		t.Error("Clone shares Headers")
	}
	if r.History[0].StatusCode != http.StatusFound {
		t.Error("Clone shares History")
	}
}

func TestCachedResponse_HTTPResponse(t *testing.T) {
	r := newTestResponse(t)

	resp := r.HTTPResponse()
	if resp.StatusCode != http.StatusOK || resp.Status != "200 OK" {
		t.Errorf("status = %d %q", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
	if resp.Request == nil || resp.Request.URL.String() != r.URL {
		t.Errorf("request not restored: %+v", resp.Request)
	}

	// Each conversion gets its own reader
	again, _ := io.ReadAll(r.HTTPResponse().Body)
	if string(again) != `{"ok":true}` {
		t.Errorf("second body = %q", again)
	}
}

func TestNewCachedRequest_ReplayableBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://example.com/search", strings.NewReader("q=go"))
	if err != nil {
		t.Fatal(err)
	}

	cr := NewCachedRequest(req, nil)
	if string(cr.Body) != "q=go" {
		t.Errorf("Body = %q, want q=go", cr.Body)
	}

	// Original stream is untouched
	orig, _ := io.ReadAll(req.Body)
	if string(orig) != "q=go" {
		t.Errorf("original body consumed: %q", orig)
	}
}

func TestUTC(t *testing.T) {
	if !UTC(time.Time{}).IsZero() {
		t.Error("UTC(zero) must stay zero")
	}

	loc := time.FixedZone("UTC+2", 2*60*60)
	in := time.Date(2024, 5, 1, 12, 0, 0, 123456789, loc)
	got := UTC(in)
	if got.Location() != time.UTC {
		t.Errorf("location = %v", got.Location())
	}
	if !got.Equal(in.Truncate(Precision)) {
		t.Errorf("UTC() = %v, want %v", got, in.Truncate(Precision))
	}
}
