package engine_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/threadcore-ai/threadcore/citest/testutil"
	"github.com/threadcore-ai/threadcore/internal/confirm"
	"github.com/threadcore-ai/threadcore/internal/event"
	"github.com/threadcore-ai/threadcore/internal/session"
	"github.com/threadcore-ai/threadcore/pkg/types"
)

const waitTimeout = 5 * time.Second

var _ = Describe("Conversation", func() {
	var (
		ts     *testutil.TestServer
		client *testutil.TestClient
	)

	AfterEach(func() {
		if ts != nil {
			ts.Stop()
			ts = nil
		}
	})

	start := func(deps session.Deps) {
		var err error
		ts, err = testutil.StartTestServer(deps)
		Expect(err).NotTo(HaveOccurred())
		client = ts.Client()
	}

	Describe("a plain text exchange", func() {
		It("answers the user message and titles the thread", func() {
			start(session.Deps{
				Generator: testutil.NewScriptedGenerator(
					testutil.Turn{Text: "The capital of France is Paris."},
				),
			})

			Expect(client.SendCommand("chat1", &session.UserMessage{Content: "capital of France?"})).To(Succeed())

			snap, err := client.WaitState("chat1", types.StateIdle, waitTimeout)
			Expect(err).NotTo(HaveOccurred())

			Expect(snap.Messages).To(HaveLen(2))
			Expect(snap.Messages[0].Role).To(Equal(types.RoleUser))
			Expect(snap.Messages[1].Role).To(Equal(types.RoleAssistant))
			Expect(snap.Messages[1].Content).To(Equal("The capital of France is Paris."))
			Expect(snap.Messages[1].FinishReason).To(Equal(session.FinishStop))
			Expect(snap.Thread.Title).To(Equal("capital of France?"))
			Expect(snap.Thread.TitleGenerated).To(BeTrue())
		})

		It("rejects a replayed client request id", func() {
			start(session.Deps{
				Generator: testutil.NewScriptedGenerator(testutil.Turn{Text: "once"}),
			})

			cmd := &session.UserMessage{Content: "hello"}
			Expect(client.SendCommandWithID("chat1", cmd, "req-1")).To(Succeed())
			Expect(client.SendCommandWithID("chat1", cmd, "req-1")).To(MatchError(testutil.ErrDuplicate))

			snap, err := client.WaitState("chat1", types.StateIdle, waitTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Messages).To(HaveLen(2))
		})
	})

	Describe("the SSE feed", func() {
		It("delivers a snapshot first, then ordered envelopes", func() {
			start(session.Deps{
				Generator: testutil.NewScriptedGenerator(testutil.Turn{Text: "streamed reply"}),
			})

			stream, err := client.OpenEvents("chat1")
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			var first event.Envelope
			Eventually(stream.Envelopes, waitTimeout).Should(Receive(&first))
			Expect(first.Event).To(BeAssignableToTypeOf(&event.Snapshot{}))

			Expect(client.SendCommand("chat1", &session.UserMessage{Content: "go"})).To(Succeed())

			lastSeq := first.Seq
			var sawDelta, sawAdded bool
			deadline := time.Now().Add(waitTimeout)
			for !(sawDelta && sawAdded) {
				Expect(time.Now().Before(deadline)).To(BeTrue(), "SSE feed incomplete")
				var env event.Envelope
				Eventually(stream.Envelopes, waitTimeout).Should(Receive(&env))
				Expect(env.Seq).To(BeNumerically(">", lastSeq))
				lastSeq = env.Seq
				switch env.Event.(type) {
				case *event.StreamDelta:
					sawDelta = true
				case *event.MessageAdded:
					sawAdded = true
				}
			}
		})
	})

	Describe("tool confirmation", func() {
		shellCall := func(id, script string) types.ToolCall {
			args, _ := json.Marshal(map[string]string{"command": script})
			return types.ToolCall{ID: id, Name: "shell", Arguments: args}
		}

		It("pauses on a matching rule and resumes after acceptance", func() {
			executed := make(chan string, 1)
			start(session.Deps{
				Generator: testutil.NewScriptedGenerator(
					testutil.Turn{Text: "pushing now", ToolCalls: []types.ToolCall{shellCall("tc1", "git push origin main")}},
					testutil.Turn{Text: "pushed successfully"},
				),
				Tools: toolRunnerFunc(func(ctx context.Context, calls []types.ToolCall, messages []types.Message, thread types.Thread) ([]types.Message, bool, error) {
					executed <- calls[0].ID
					return []types.Message{{ToolCallID: calls[0].ID, Content: "ok"}}, false, nil
				}),
				Rules: &confirm.Ruleset{Ask: []confirm.Rule{{Tool: "shell", Command: "git push"}}},
			})

			Expect(client.SendCommand("chat1", &session.UserMessage{Content: "push my branch"})).To(Succeed())

			snap, err := client.WaitState("chat1", types.StatePaused, waitTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.PauseReasons).To(HaveLen(1))
			Expect(snap.PauseReasons[0].ToolCallID).To(Equal("tc1"))
			Expect(snap.PauseReasons[0].Command).To(Equal("git push origin main"))

			Expect(client.SendCommand("chat1", &session.ToolDecision{
				Decision: session.Decision{ToolCallID: "tc1", Accepted: true},
			})).To(Succeed())

			snap, err = client.WaitState("chat1", types.StateIdle, waitTimeout)
			Expect(err).NotTo(HaveOccurred())
			Eventually(executed, waitTimeout).Should(Receive(Equal("tc1")))
			Expect(snap.Messages[len(snap.Messages)-1].Content).To(Equal("pushed successfully"))
			Expect(snap.PauseReasons).To(BeEmpty())
		})
	})

	Describe("persistence", func() {
		It("rehydrates a conversation after the session is reaped", func() {
			start(session.Deps{
				Generator: testutil.NewScriptedGenerator(
					testutil.Turn{Text: "first answer"},
					testutil.Turn{Text: "second answer"},
				),
			})

			Expect(client.SendCommand("chat1", &session.UserMessage{Content: "one"})).To(Succeed())
			_, err := client.WaitState("chat1", types.StateIdle, waitTimeout)
			Expect(err).NotTo(HaveOccurred())

			traj, err := ts.Store.Load(context.Background(), "chat1")
			Expect(err).NotTo(HaveOccurred())
			Expect(traj.Messages).To(HaveLen(2))
			Expect(traj.Thread.Title).To(Equal("one"))
		})
	})
})

// toolRunnerFunc adapts a function to session.ToolRunner.
type toolRunnerFunc func(ctx context.Context, calls []types.ToolCall, messages []types.Message, thread types.Thread) ([]types.Message, bool, error)

func (f toolRunnerFunc) Execute(ctx context.Context, calls []types.ToolCall, messages []types.Message, thread types.Thread) ([]types.Message, bool, error) {
	return f(ctx, calls, messages, thread)
}
