package reveal

import (
	"log"
	"sync"

	"github.com/zhouzirui/z-chat/backend/internal/model/event"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
	"github.com/zhouzirui/z-chat/backend/pkg/client/transport"
)

// Follow 把传输层的 chunk/done 帧接到引擎上，按用户消息的客户端 id 归组。
// 返回的函数取消订阅。
func Follow(b *bus.Bus, e *Engine) func() {
	var mu sync.Mutex
	acc := make(map[string]string)

	unsubChunk := b.Subscribe(transport.FrameTopic(event.FrameChunk), func(p any) {
		env, ok := p.(event.Envelope)
		if !ok {
			return
		}
		chunk, err := transport.Decode[event.Chunk](env)
		if err != nil {
			log.Printf("[reveal] bad chunk frame: %v", err)
			return
		}
		key := chunk.ClientMessageID
		if key == "" {
			key = chunk.ConversationID
		}
		mu.Lock()
		acc[key] += chunk.Text
		text := acc[key]
		mu.Unlock()
		e.Update(key, text, true)
	})

	unsubDone := b.Subscribe(transport.FrameTopic(event.FrameDone), func(p any) {
		env, ok := p.(event.Envelope)
		if !ok {
			return
		}
		done, err := transport.Decode[event.Done](env)
		if err != nil {
			log.Printf("[reveal] bad done frame: %v", err)
			return
		}
		key := done.UserMessage.ClientMessageID
		if key == "" {
			key = done.AssistantMessage.ConversationID
		}
		mu.Lock()
		delete(acc, key)
		mu.Unlock()
		e.Update(key, done.AssistantMessage.Content, false)
	})

	return func() {
		unsubChunk()
		unsubDone()
	}
}
