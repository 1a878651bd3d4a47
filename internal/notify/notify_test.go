package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	logx "termsched/pkg/logx"
)

func TestOutboxForwardsAndFlushes(t *testing.T) {
	t.Parallel()
	capt := &Capture{}
	o := NewOutbox(4, capt)
	o.C() <- "from handler"
	o.Send("from executor")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Run(ctx) // canceled: flushes buffered messages and returns

	assert.ElementsMatch(t, []string{"from handler", "from executor"}, capt.Messages())
}

func TestOutboxDropsWhenFull(t *testing.T) {
	t.Parallel()
	o := NewOutbox(1, nil)
	o.Send("a")
	o.Send("b")
	assert.Equal(t, uint64(1), o.Dropped())
}

func TestMultiSkipsNil(t *testing.T) {
	t.Parallel()
	a, b := &Capture{}, &Capture{}
	Multi(a, nil, b).Notify("x")
	assert.Equal(t, []string{"x"}, a.Messages())
	assert.Equal(t, []string{"x"}, b.Messages())
}

type fakeBot struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, what.(string))
	return &tele.Message{}, nil
}

func (f *fakeBot) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestTelegramFailuresOnlyAndRateLimit(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	tg := newTelegram(TelegramConfig{ChatID: 1, RatePerSec: 1, FailuresOnly: true}, bot, logx.Nop())

	tg.Notify("completed backup_db")
	tg.Notify("failed send_email permanently")
	tg.Notify("failed hotfix, will retry 1/3") // over the burst of 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tg.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"failed send_email permanently"}, bot.messages())
	assert.Equal(t, uint64(1), tg.Dropped())
}

func TestNewTelegramRequiresConfig(t *testing.T) {
	t.Parallel()
	_, err := NewTelegram(TelegramConfig{Token: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = NewTelegram(TelegramConfig{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
}
