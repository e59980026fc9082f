package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/grpc"

	"github.com/vatkit/liveslots/vat"
)

// DispatchService adapts a vat worker and its syscall recorder to the
// dispatch service contract. Cranks run one at a time on the worker
// goroutine; each response carries the syscalls that crank produced.
type DispatchService struct {
	worker   *VatWorker
	recorder *SyscallRecorder
}

// NewDispatchService wires a worker and recorder together.
func NewDispatchService(worker *VatWorker, recorder *SyscallRecorder) *DispatchService {
	return &DispatchService{worker: worker, recorder: recorder}
}

// Dispatch decodes one delivery, runs the crank to quiescence, and drains
// the recorded syscalls.
func (s *DispatchService) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error) {
	d, err := UnmarshalDelivery(req.Delivery)
	if err != nil {
		return nil, err
	}
	log.Debugf("crank %s: %s", req.CrankID, d.Kind)
	if err := s.worker.Do(func(ls *vat.Liveslots) error {
		return ls.Dispatch(ctx, *d)
	}); err != nil {
		return nil, err
	}
	records := s.recorder.Take()
	res := &DispatchResponse{Terminated: s.recorder.Terminated()}
	for i := range records {
		raw, err := MarshalSyscall(&records[i])
		if err != nil {
			return nil, fmt.Errorf("marshal syscall %d: %w", i, err)
		}
		res.Syscalls = append(res.Syscalls, raw)
	}
	return res, nil
}

// Server hosts the dispatch service for an out-of-process kernel, serving
// gRPC on one listener and Connect (HTTP) on a mux.
type Server struct {
	svc  *DispatchService
	grpc *grpc.Server
	mux  *http.ServeMux
}

// NewServer assembles the service around a liveslots instance.
func NewServer(ls *vat.Liveslots, recorder *SyscallRecorder) *Server {
	worker := NewVatWorker(ls)
	svc := NewDispatchService(worker, recorder)

	gs := grpc.NewServer(grpc.ForceServerCodec(wireCodec{}))
	RegisterVatServiceServer(gs, svc)

	mux := http.NewServeMux()
	path, handler := NewVatServiceHandler(svc)
	mux.Handle(path, handler)

	return &Server{svc: svc, grpc: gs, mux: mux}
}

// Service returns the underlying dispatch service, for in-process use.
func (s *Server) Service() *DispatchService { return s.svc }

// Handler returns the Connect HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ServeGRPC blocks serving gRPC on the listener.
func (s *Server) ServeGRPC(l net.Listener) error {
	return s.grpc.Serve(l)
}

// Stop shuts the gRPC server down gracefully.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
