package rpcproto

import (
	"encoding/gob"
	"net"
	"sync"

	"github.com/Norbi-S/sioworkers/job"
)

// FakeWorker is an in-memory worker-side stub driven over net.Pipe,
// standing in for a real worker process in tests the way the
// teacher's own test suite stands up a bigmachineTestExecutor against
// github.com/grailbio/bigmachine/testsystem instead of real sockets.
// It answers hello/run/get_running/ping requests from a policy the
// test supplies, so WM/TM tests exercise the real framed-gob Conn
// code path (the same wire struct, the same gob registrations) the
// dispatcher uses against a real worker, without a real TCP listener.
type FakeWorker struct {
	Hello      Hello
	RunFunc    func(env job.Env) (map[string]interface{}, error)
	RunningIDs []string

	conn  net.Conn
	encMu sync.Mutex // serializes reply() against concurrent RunFunc goroutines
	enc   *gob.Encoder
	dec   *gob.Decoder
	done  chan struct{}
}

// DialFakeWorker creates a connected pair (dispatcher-side *Conn,
// worker-side *FakeWorker) over net.Pipe and starts the worker-side
// serve loop.
func DialFakeWorker(fw *FakeWorker) *Conn {
	client, server := net.Pipe()
	fw.conn = server
	fw.enc = gob.NewEncoder(server)
	fw.dec = gob.NewDecoder(server)
	fw.done = make(chan struct{})
	go fw.serve()
	return newConn(client)
}

func (fw *FakeWorker) serve() {
	defer close(fw.done)
	for {
		var req call
		if err := fw.dec.Decode(&req); err != nil {
			return
		}
		switch req.Method {
		case MethodHello:
			fw.reply(req.ID, fw.Hello, "")
		case MethodGetRunning:
			fw.reply(req.ID, fw.RunningIDs, "")
		case MethodPing:
			fw.reply(req.ID, nil, "")
		case MethodRun:
			env, _ := req.Payload.(job.Env)
			if fw.RunFunc == nil {
				fw.reply(req.ID, map[string]interface{}{}, "")
				continue
			}
			// Run off the serve loop: a RunFunc that blocks until the
			// test severs the connection must not prevent this loop from
			// noticing that severance (the next Decode erroring out) —
			// Close() only waits for this read loop to exit, never for an
			// in-flight RunFunc call.
			id := req.ID
			go func() {
				result, err := fw.RunFunc(env)
				if err != nil {
					fw.reply(id, nil, err.Error())
					return
				}
				fw.reply(id, result, "")
			}()
		}
	}
}

func (fw *FakeWorker) reply(id uint64, payload interface{}, errMsg string) {
	resp := call{ID: id, Payload: payload, Err: errMsg}
	fw.encMu.Lock()
	defer fw.encMu.Unlock()
	fw.enc.Encode(&resp)
}

// Close tears down the worker-side connection.
func (fw *FakeWorker) Close() {
	fw.conn.Close()
	<-fw.done
}
