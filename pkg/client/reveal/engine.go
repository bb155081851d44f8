// Package reveal 把助手回复以逐词打字的方式呈现，并支持从已显示的位置续播。
package reveal

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultInterval 每个 token 的显示间隔
const DefaultInterval = 40 * time.Millisecond

var tokenPattern = regexp.MustCompile(`\s+|\S+`)

// Tokenize 把文本切分为连续空白或连续非空白片段，拼接后与原文完全一致。
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(text, -1)
}

// Frame 是一次显示更新。
type Frame struct {
	MessageID string
	Text      string
	Streaming bool
	// Done 表示文本已完整显示且不再有动画。
	Done bool
}

// Options 引擎参数
type Options struct {
	Interval time.Duration
	OnFrame  func(Frame)
}

type reveal struct {
	displayed string
	full      string
	streaming bool
	done      bool
	gen       uint64
	stop      chan struct{}
}

// Engine 为每条消息维护当前显示文本。OnFrame 在调用方或动画 goroutine 中执行，不持有内部锁。
type Engine struct {
	interval time.Duration
	onFrame  func(Frame)

	mu      sync.Mutex
	reveals map[string]*reveal
	stopped bool
	wg      sync.WaitGroup
}

// New 创建引擎
func New(opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func(Frame) {}
	}
	return &Engine{
		interval: opts.Interval,
		onFrame:  opts.OnFrame,
		reveals:  make(map[string]*reveal),
	}
}

// Update 提交某条消息的最新全文。流式进行中直接镜像全文；流结束后按 token 补播未显示的部分。
func (e *Engine) Update(messageID, fullText string, streaming bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	r, ok := e.reveals[messageID]
	if !ok {
		r = &reveal{}
		e.reveals[messageID] = r
	}
	e.halt(r)
	r.full = fullText
	r.streaming = streaming

	if fullText == "" {
		changed := r.displayed != ""
		r.displayed = ""
		r.done = !streaming
		e.mu.Unlock()
		if changed {
			e.onFrame(Frame{MessageID: messageID, Streaming: streaming, Done: !streaming})
		}
		return
	}

	if streaming {
		r.displayed = fullText
		r.done = false
		e.mu.Unlock()
		e.onFrame(Frame{MessageID: messageID, Text: fullText, Streaming: true})
		return
	}

	tokens := Tokenize(fullText)
	k := resumeIndex(r.displayed, fullText, tokens)
	if k >= len(tokens) {
		alreadyDone := r.done && r.displayed == fullText
		r.displayed = fullText
		r.done = true
		e.mu.Unlock()
		if !alreadyDone {
			e.onFrame(Frame{MessageID: messageID, Text: fullText, Done: true})
		}
		return
	}

	// 续播时保留已显示的文本，直到第一次 tick 写入更长的前缀
	if !strings.HasPrefix(fullText, r.displayed) {
		r.displayed = ""
	}
	r.done = false
	r.stop = make(chan struct{})
	gen := r.gen
	stop := r.stop
	e.wg.Add(1)
	e.mu.Unlock()

	go e.animate(messageID, r, gen, stop, tokens, k)
}

// resumeIndex 计算已显示文本对应的 token 数；末尾未写完的 token 会被重新补全。
func resumeIndex(displayed, full string, tokens []string) int {
	if displayed == "" || !strings.HasPrefix(full, displayed) {
		return 0
	}
	c := len(Tokenize(displayed))
	if c > len(tokens) {
		return 0
	}
	if strings.Join(tokens[:c], "") == displayed {
		return c
	}
	return c - 1
}

func (e *Engine) animate(messageID string, r *reveal, gen uint64, stop <-chan struct{}, tokens []string, k int) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for k < len(tokens) {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		k++
		text := strings.Join(tokens[:k], "")
		finished := k == len(tokens)

		e.mu.Lock()
		if r.gen != gen {
			e.mu.Unlock()
			return
		}
		r.displayed = text
		r.done = finished
		e.mu.Unlock()

		e.onFrame(Frame{MessageID: messageID, Text: text, Done: finished})
	}
}

// halt 停止 r 上正在运行的动画，调用方需持有 e.mu。
func (e *Engine) halt(r *reveal) {
	r.gen++
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

// Displayed 返回消息当前显示的文本
func (e *Engine) Displayed(messageID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.reveals[messageID]; ok {
		return r.displayed
	}
	return ""
}

// Forget 停止并丢弃消息的显示状态
func (e *Engine) Forget(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.reveals[messageID]; ok {
		e.halt(r)
		delete(e.reveals, messageID)
	}
}

// Stop 停止全部动画并等待其退出；之后的 Update 被忽略。
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for _, r := range e.reveals {
		e.halt(r)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
