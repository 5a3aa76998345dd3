package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sony/gobreaker"

	"github.com/kalambet/pawnbot/internal/delivery"
)

type fakeAPI struct {
	sendMessage  func(p *bot.SendMessageParams) error
	sendDocument func(p *bot.SendDocumentParams) error
	link         string

	texts []*bot.SendMessageParams
	docs  []*bot.SendDocumentParams
	files []string
}

func (f *fakeAPI) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.texts = append(f.texts, p)
	if f.sendMessage != nil {
		if err := f.sendMessage(p); err != nil {
			return nil, err
		}
	}
	return &models.Message{}, nil
}

func (f *fakeAPI) SendDocument(_ context.Context, p *bot.SendDocumentParams) (*models.Message, error) {
	f.docs = append(f.docs, p)
	if f.sendDocument != nil {
		if err := f.sendDocument(p); err != nil {
			return nil, err
		}
	}
	return &models.Message{}, nil
}

func (f *fakeAPI) GetFile(_ context.Context, p *bot.GetFileParams) (*models.File, error) {
	f.files = append(f.files, p.FileID)
	return &models.File{FileID: p.FileID, FilePath: "photos/" + p.FileID + ".jpg"}, nil
}

func (f *fakeAPI) FileDownloadLink(file *models.File) string {
	return f.link + "/" + file.FilePath
}

func TestSendTextBuildsKeyboard(t *testing.T) {
	api := &fakeAPI{}
	tr := NewTransport(api, BreakerSettings{})

	err := tr.SendText(context.Background(), delivery.Message{
		ChatID:   42,
		ThreadID: 13,
		Text:     "hi",
		Keyboard: [][]string{{"a", "b"}, {"c"}},
		WebApp:   &delivery.WebApp{Label: "form", URL: "https://example.org/form"},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	p := api.texts[0]
	if p.ChatID != int64(42) || p.MessageThreadID != 13 || p.Text != "hi" {
		t.Errorf("params = %+v", p)
	}
	kb, ok := p.ReplyMarkup.(*models.ReplyKeyboardMarkup)
	if !ok {
		t.Fatalf("markup = %T", p.ReplyMarkup)
	}
	if len(kb.Keyboard) != 3 || kb.Keyboard[0][0].WebApp == nil || kb.Keyboard[0][0].WebApp.URL != "https://example.org/form" {
		t.Errorf("keyboard = %+v", kb.Keyboard)
	}
	if kb.Keyboard[1][1].Text != "b" || kb.Keyboard[2][0].Text != "c" {
		t.Errorf("keyboard = %+v", kb.Keyboard)
	}
}

func TestReplyMarkup(t *testing.T) {
	if m := replyMarkup(delivery.Message{}); m != nil {
		t.Errorf("no keyboard: got %T", m)
	}
	rm, ok := replyMarkup(delivery.Message{RemoveKeyboard: true, Keyboard: [][]string{{"x"}}}).(*models.ReplyKeyboardRemove)
	if !ok || !rm.RemoveKeyboard {
		t.Errorf("remove keyboard not honoured")
	}
}

func TestSendDocumentUploadsBytes(t *testing.T) {
	api := &fakeAPI{}
	tr := NewTransport(api, BreakerSettings{})
	err := tr.SendDocument(context.Background(), delivery.Message{
		ChatID:   -100,
		ThreadID: 11,
		Document: &delivery.Document{Name: "report.pdf", Data: []byte("%PDF"), Caption: "cap"},
	})
	if err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	p := api.docs[0]
	up, ok := p.Document.(*models.InputFileUpload)
	if !ok {
		t.Fatalf("document = %T", p.Document)
	}
	data, _ := io.ReadAll(up.Data)
	if up.Filename != "report.pdf" || string(data) != "%PDF" || p.Caption != "cap" || p.MessageThreadID != 11 {
		t.Errorf("params = %+v, data %q", p, data)
	}

	// Each attempt gets a fresh reader.
	if err := tr.SendDocument(context.Background(), delivery.Message{ChatID: -100, Document: &delivery.Document{Name: "r.pdf", Data: []byte("%PDF")}}); err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(api.docs[1].Document.(*models.InputFileUpload).Data)
	if string(data) != "%PDF" {
		t.Errorf("second upload = %q", data)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		transient  bool
		permanent  bool
		retryAfter time.Duration
	}{
		{"too many requests", &bot.TooManyRequestsError{Message: "slow down", RetryAfter: 7}, true, false, 7 * time.Second},
		{"forbidden", fmt.Errorf("%w, bot was blocked by the user", bot.ErrorForbidden), false, true, 0},
		{"bad request", fmt.Errorf("%w, chat not found", bot.ErrorBadRequest), false, true, 0},
		{"request failed", fmt.Errorf("error do request for method sendMessage, %w", errors.New("connection reset by peer")), true, false, 0},
		{"body cut", fmt.Errorf("error read response body for method sendDocument, %w", io.ErrUnexpectedEOF), true, false, 0},
		{"bad gateway", errors.New("error response from telegram for method sendMessage, 502 Bad Gateway"), true, false, 0},
		{"other api error", errors.New("error response from telegram for method sendMessage, 420 Flood"), false, false, 0},
		{"unknown", errors.New("something odd"), false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			transient, ra := delivery.Classify(got)
			if transient != tt.transient || ra != tt.retryAfter {
				t.Errorf("Classify = %v, %v; want %v, %v", transient, ra, tt.transient, tt.retryAfter)
			}
			if errors.Is(got, delivery.ErrPermanent) != tt.permanent {
				t.Errorf("permanent = %v, want %v", !tt.permanent, tt.permanent)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error lost its cause")
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestAPIErrorCode(t *testing.T) {
	tests := []struct {
		msg  string
		code int
		ok   bool
	}{
		{"error response from telegram for method sendMessage, 502 Bad Gateway", 502, true},
		{"error response from telegram for method sendDocument, 500 ", 500, true},
		{"error response from telegram for method sendMessage", 0, false},
		{"error response from telegram for method sendMessage, oops", 0, false},
		{"something else, 500", 0, false},
	}
	for _, tt := range tests {
		code, ok := apiErrorCode(tt.msg)
		if code != tt.code || ok != tt.ok {
			t.Errorf("apiErrorCode(%q) = %d, %v; want %d, %v", tt.msg, code, ok, tt.code, tt.ok)
		}
	}
}

// newAPIClient returns a real Bot API client talking to serverURL.
func newAPIClient(t *testing.T, serverURL string) *bot.Bot {
	t.Helper()
	client, err := bot.New("123:test",
		bot.WithSkipGetMe(),
		bot.WithServerURL(serverURL),
		bot.WithErrorsHandler(func(error) {}),
	)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// apiServer answers every Bot API call with status and body.
func apiServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func closedServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestClassifyClientErrors(t *testing.T) {
	tests := []struct {
		name       string
		url        func(t *testing.T) string
		transient  bool
		retryAfter time.Duration
	}{
		{"connection refused", closedServer, true, 0},
		{"gateway page", func(t *testing.T) string {
			return apiServer(t, http.StatusBadGateway, "<html><body>502 Bad Gateway</body></html>")
		}, true, 0},
		{"server error", func(t *testing.T) string {
			return apiServer(t, http.StatusInternalServerError, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`)
		}, true, 0},
		{"rate limited", func(t *testing.T) string {
			return apiServer(t, http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":4}}`)
		}, true, 4 * time.Second},
		{"blocked", func(t *testing.T) string {
			return apiServer(t, http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
		}, false, 0},
		{"chat not found", func(t *testing.T) string {
			return apiServer(t, http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
		}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(newAPIClient(t, tt.url(t)), BreakerSettings{Failures: 100})
			err := tr.SendText(context.Background(), delivery.Message{ChatID: 1, Text: "x"})
			if err == nil {
				t.Fatal("expected an error")
			}
			transient, ra := delivery.Classify(err)
			if transient != tt.transient || ra != tt.retryAfter {
				t.Errorf("Classify(%v) = %v, %v; want %v, %v", err, transient, ra, tt.transient, tt.retryAfter)
			}
			if !tt.transient && !errors.Is(err, delivery.ErrPermanent) {
				t.Errorf("err = %v, want permanent", err)
			}
		})
	}
}

func TestQueueBuffersClientOutages(t *testing.T) {
	for name, url := range map[string]func(t *testing.T) string{
		"connection refused": closedServer,
		"gateway page": func(t *testing.T) string {
			return apiServer(t, http.StatusBadGateway, "<html><body>502 Bad Gateway</body></html>")
		},
	} {
		t.Run(name, func(t *testing.T) {
			q := delivery.New(NewTransport(newAPIClient(t, url(t)), BreakerSettings{Failures: 100}), delivery.Options{
				Sleep: func(context.Context, time.Duration) error { return nil },
			})
			res := q.Send(context.Background(), delivery.Message{ChatID: -100, Text: "заключение"})
			if res.Status != delivery.Deferred || res.Attempts != 3 {
				t.Fatalf("result = %+v", res)
			}
			pending := q.Pending()
			if len(pending) != 1 || pending[0].ChatID != -100 || pending[0].Queued != 1 {
				t.Fatalf("pending = %+v", pending)
			}
		})
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	api := &fakeAPI{sendMessage: func(*bot.SendMessageParams) error {
		return fmt.Errorf("error do request for method sendMessage, %w", errors.New("dial tcp 127.0.0.1:1: connect: connection refused"))
	}}
	tr := NewTransport(api, BreakerSettings{Failures: 2, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		if transient, _ := delivery.Classify(tr.SendText(context.Background(), delivery.Message{ChatID: 1})); !transient {
			t.Fatalf("call %d not transient", i)
		}
	}
	err := tr.SendText(context.Background(), delivery.Message{ChatID: 1})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if transient, _ := delivery.Classify(err); !transient {
		t.Error("open breaker must be transient")
	}
	if len(api.texts) != 2 {
		t.Errorf("api calls = %d, want 2", len(api.texts))
	}
	if tr.State() != "open" {
		t.Errorf("State = %q", tr.State())
	}
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	api := &fakeAPI{sendMessage: func(*bot.SendMessageParams) error {
		return fmt.Errorf("%w, chat not found", bot.ErrorBadRequest)
	}}
	tr := NewTransport(api, BreakerSettings{Failures: 2})
	for i := 0; i < 5; i++ {
		if err := tr.SendText(context.Background(), delivery.Message{ChatID: 1}); !errors.Is(err, delivery.ErrPermanent) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if len(api.texts) != 5 {
		t.Errorf("api calls = %d, want 5", len(api.texts))
	}
}

func TestTransportWithQueue(t *testing.T) {
	calls := 0
	api := &fakeAPI{sendMessage: func(*bot.SendMessageParams) error {
		calls++
		if calls == 1 {
			return &bot.TooManyRequestsError{Message: "slow down", RetryAfter: 3}
		}
		return nil
	}}
	var slept []time.Duration
	q := delivery.New(NewTransport(api, BreakerSettings{}), delivery.Options{
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	})
	res := q.Send(context.Background(), delivery.Message{ChatID: 5, Text: "x"})
	if res.Status != delivery.Delivered || res.Attempts != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Errorf("slept = %v", slept)
	}
}
