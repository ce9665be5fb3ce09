package telegram

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotawatch/quotawatch/internal/models"
)

type mockMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
}

type mockBotAPI struct {
	mu       sync.Mutex
	messages []mockMessage
	err      error
}

func (m *mockBotAPI) SendMessage(chatID int64, text string, parseMode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, mockMessage{ChatID: chatID, Text: text, ParseMode: parseMode})
	return nil
}

func TestNotifier_NotifyInodes(t *testing.T) {
	api := &mockBotAPI{}
	n := NewNotifier(api, 42, nil)

	report := map[string]map[string]models.InodeCritical{
		"kyukondata": {
			"gvo00002": {Used: 95000, Allocated: 90000, MaxInodes: 100000},
			"gvo00001": {Used: 950, Allocated: 900, MaxInodes: 1000},
		},
		"kyukonscratch": {},
	}
	require.NoError(t, n.NotifyInodes(context.Background(), report))
	require.Len(t, api.messages, 1)

	msg := api.messages[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "HTML", msg.ParseMode)
	assert.Contains(t, msg.Text, "<b>kyukondata</b>")
	assert.NotContains(t, msg.Text, "kyukonscratch")
	assert.Contains(t, msg.Text, "95,000/100,000 (95%)")
	assert.Less(t, strings.Index(msg.Text, "gvo00001"), strings.Index(msg.Text, "gvo00002"))
}

func TestNotifier_NothingToSend(t *testing.T) {
	api := &mockBotAPI{}
	n := NewNotifier(api, 42, nil)

	require.NoError(t, n.NotifyInodes(context.Background(), nil))
	require.NoError(t, n.NotifyRunFailures(context.Background(), []models.RunRecord{{Storage: "VSC_DATA", Status: models.RunSucceeded}}))
	assert.Empty(t, api.messages)

	unset := NewNotifier(api, 0, nil)
	require.NoError(t, unset.Notify(context.Background(), "hello"))
	assert.Empty(t, api.messages)
}

func TestNotifier_RunFailures(t *testing.T) {
	api := &mockBotAPI{}
	n := NewNotifier(api, 7, nil)

	runs := []models.RunRecord{
		{RunID: "abc", Storage: "VSC_DATA", Filesystem: "kyukondata", Status: models.RunFailed, Error: "lookup <1>"},
		{RunID: "abc", Storage: "VSC_HOME", Filesystem: "kyukonhome", Status: models.RunSucceeded},
	}
	require.NoError(t, n.NotifyRunFailures(context.Background(), runs))
	require.Len(t, api.messages, 1)
	assert.Contains(t, api.messages[0].Text, "<b>VSC_DATA</b> (kyukondata): lookup &lt;1&gt;")
	assert.NotContains(t, api.messages[0].Text, "VSC_HOME")
}

func TestNotifier_SendError(t *testing.T) {
	api := &mockBotAPI{err: stderrors.New("blocked")}
	n := NewNotifier(api, 7, nil)
	assert.Error(t, n.Notify(context.Background(), "hello"))
}

func TestTGBotAPIClient_SendMessage(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
		text    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		methods = append(methods, method)

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"quotawatch","username":"quotawatch_bot"}}`))
		case "sendMessage":
			require.NoError(t, r.ParseForm())
			text = r.PostForm.Get("text")
			assert.Equal(t, "HTML", r.PostForm.Get("parse_mode"))
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewTGBotAPIClientWithEndpoint("token", fmt.Sprintf("%s/bot%%s/%%s", srv.URL))
	require.NoError(t, err)
	require.NoError(t, client.SendMessage(42, "<b>hi</b>", "HTML"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"getMe", "sendMessage"}, methods)
	assert.Equal(t, "<b>hi</b>", text)
}
