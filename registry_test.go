// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import (
	"reflect"
	"testing"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	def := JobDefinition{
		Factory: func() Job { return JobFunc(func(*ExecutionContext) error { return nil }) },
		Type:    CronType,
		Group:   "cron",
	}
	if err := r.Register("sweep", def); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	have, err := r.Resolve("sweep")
	if err != nil {
		t.Fatalf("Resolve failed with %v", err)
	}
	if have.Type != CronType {
		t.Fatalf("Type = %v, want %v", have.Type, CronType)
	}
}

func TestRegistryRegisterDuplicateKey(t *testing.T) {
	r := NewRegistry()
	def := JobDefinition{
		Factory: func() Job { return JobFunc(func(*ExecutionContext) error { return nil }) },
	}
	if err := r.Register("sweep", def); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := r.Register("sweep", def); err == nil {
		t.Fatal("expected Register to fail")
	}
}

func TestRegistryRegisterWithoutFactory(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("sweep", JobDefinition{}); err == nil {
		t.Fatal("expected Register to fail")
	}
}

func TestRegistryResolveUnknownKey(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("bogus")
	if err != ErrNotFound {
		t.Fatalf("Resolve returned %v, want ErrNotFound", err)
	}
}

func TestRegistryKeysAreSorted(t *testing.T) {
	r := NewRegistry()
	def := JobDefinition{
		Factory: func() Job { return JobFunc(func(*ExecutionContext) error { return nil }) },
	}
	for _, key := range []string{"c", "a", "b"} {
		if err := r.Register(key, def); err != nil {
			t.Fatalf("Register failed with %v", err)
		}
	}
	if have, want := r.Keys(), []string{"a", "b", "c"}; !reflect.DeepEqual(have, want) {
		t.Fatalf("Keys = %v, want %v", have, want)
	}
}
