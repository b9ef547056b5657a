package transcode

import (
	"fmt"
	"os"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// descriptorRegistry indexes the services described by a compiled
// FileDescriptorSet (the output of `protoc --descriptor_set_out`), so a
// route can resolve a dotted service name straight to its
// protoreflect.MethodDescriptor without the backend supporting gRPC
// server reflection.
type descriptorRegistry struct {
	mu       sync.RWMutex
	files    *protoregistry.Files
	services map[string]protoreflect.ServiceDescriptor
}

func newDescriptorRegistry(path string) (*descriptorRegistry, error) {
	r := &descriptorRegistry{
		files:    new(protoregistry.Files),
		services: make(map[string]protoreflect.ServiceDescriptor),
	}
	if err := r.loadFile(path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *descriptorRegistry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read descriptor set %s: %w", path, err)
	}

	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &fds); err != nil {
		return fmt.Errorf("parse descriptor set %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fd := range fds.GetFile() {
		if _, err := r.files.FindFileByPath(fd.GetName()); err == nil {
			continue // already registered by an earlier import in the set
		}
		fileDesc, err := protodesc.NewFile(fd, r.files)
		if err != nil {
			return fmt.Errorf("build file descriptor %s: %w", fd.GetName(), err)
		}
		if err := r.files.RegisterFile(fileDesc); err != nil {
			return fmt.Errorf("register file descriptor %s: %w", fd.GetName(), err)
		}

		svcs := fileDesc.Services()
		for i := 0; i < svcs.Len(); i++ {
			svc := svcs.Get(i)
			r.services[string(svc.FullName())] = svc
		}
	}
	return nil
}

func (r *descriptorRegistry) service(name string) (protoreflect.ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

func findMethod(svc protoreflect.ServiceDescriptor, method string) (protoreflect.MethodDescriptor, error) {
	md := svc.Methods().ByName(protoreflect.Name(method))
	if md == nil {
		return nil, fmt.Errorf("method %q not found on service %s", method, svc.FullName())
	}
	return md, nil
}
