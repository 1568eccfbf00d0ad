package aegis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
)

// RunWorker is the agent-side half of the IPC contract. It is executed
// inside the spawned worker process, reading envelopes from r and
// replying on w until a STOP arrives or the channel closes.
//
// Tasks run synchronously; a task error becomes a TASK_RESULT with the
// error set, while a panic becomes a best-effort CRASH message with the
// stack trace before the process dies. The supervisor therefore gets a
// diagnosis even for fatal faults.
func RunWorker(agent Agent, r io.Reader, w io.Writer) error {
	conn := newIPCConn(r, w)

	for {
		env, err := conn.receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Parent is gone; nothing left to serve.
				return nil
			}
			return err
		}

		switch env.Kind {
		case KindStop:
			return nil

		case KindPing:
			if err := conn.send(Envelope{Kind: KindPong, Status: agent.ReportStatus()}); err != nil {
				return err
			}

		case KindTask:
			if env.Task == nil {
				continue
			}
			reply, fatal := executeTask(agent, *env.Task)
			if fatal != nil {
				// Best effort: the process is about to die anyway.
				conn.send(*fatal)
				return fmt.Errorf("worker: task %s panicked", env.Task.ID)
			}
			if err := conn.send(reply); err != nil {
				return err
			}

		default:
			// Unknown kinds are ignored rather than fatal, so protocol
			// additions don't kill old workers.
		}
	}
}

// executeTask runs one task with panic containment. On panic it returns
// a CRASH envelope to flush before dying.
func executeTask(agent Agent, task Task) (reply Envelope, fatal *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			fatal = &Envelope{
				Kind:  KindCrash,
				Error: fmt.Sprintf("panic: %v", r),
				Stack: string(debug.Stack()),
			}
		}
	}()

	result, err := agent.Process(context.Background(), task)
	if err != nil {
		return Envelope{
			Kind:   KindTaskResult,
			Status: "error",
			Error:  err.Error(),
			Result: &Result{TaskID: task.ID},
		}, nil
	}
	if result.TaskID == "" {
		result.TaskID = task.ID
	}
	return Envelope{
		Kind:   KindTaskResult,
		Status: "ok",
		Result: &result,
	}, nil
}
