package model

import "testing"

func TestCapabilitySet_Has_exact(t *testing.T) {
	cs := CapabilitySet{CapTaskCancel: true}
	if !cs.Has(CapTaskCancel) {
		t.Error("Has(task:cancel) = false, want true")
	}
	if cs.Has(CapInstanceResolve) {
		t.Error("Has(instance:resolve) = true, want false")
	}
}

func TestCapabilitySet_Has_wildcard_star(t *testing.T) {
	cs := CapabilitySet{"*": true}
	if !cs.Has(CapDefinitionPublish) {
		t.Error("wildcard * should match definition:publish")
	}
}

func TestCapabilitySet_Has_wildcard_namespace(t *testing.T) {
	cs := CapabilitySet{"instance:*": true}
	if !cs.Has(CapInstanceResolve) {
		t.Error("instance:* should match instance:resolve")
	}
	if !cs.Has(CapInstanceCancel) {
		t.Error("instance:* should match instance:cancel")
	}
	if cs.Has(CapTaskCancel) {
		t.Error("instance:* should not match task:cancel")
	}
}

func TestCapabilitySet_Has_noPartialMatchWithoutWildcard(t *testing.T) {
	cs := CapabilitySet{"instance": true}
	if cs.Has(CapInstanceResolve) {
		t.Error("instance should not match instance:resolve")
	}
}

func TestCapabilitySet_HasAny(t *testing.T) {
	cs := CapabilitySet{CapTaskCancel: true}
	if !cs.HasAny(CapInstanceCancel, CapTaskCancel) {
		t.Error("HasAny should match task:cancel")
	}
	if cs.HasAny(CapInstanceCancel) {
		t.Error("HasAny(instance:cancel) = true, want false")
	}
	if (CapabilitySet{}).HasAny(CapTaskCancel) {
		t.Error("empty set should match nothing")
	}
}
