package storage

import (
	"testing"

	"msgpipe/models"
)

func TestGroupMembersReplace(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetGroupMembers("g1", []string{"+b", "+a", ""}); err != nil {
		t.Fatalf("SetGroupMembers failed: %v", err)
	}
	count, err := store.GroupMemberCount("g1")
	if err != nil {
		t.Fatalf("GroupMemberCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 members, got %d", count)
	}

	if err := store.SetGroupMembers("g1", []string{"+c"}); err != nil {
		t.Fatalf("SetGroupMembers replace failed: %v", err)
	}
	members, err := store.GroupMembers("g1")
	if err != nil {
		t.Fatalf("GroupMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != "+c" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestCreateRoomIfNotExist(t *testing.T) {
	store := newTestStore(t)

	created, err := store.CreateRoomIfNotExist(models.Group("g1"), 10)
	if err != nil {
		t.Fatalf("CreateRoomIfNotExist failed: %v", err)
	}
	if !created {
		t.Fatalf("expected room to be created")
	}

	created, err = store.CreateRoomIfNotExist(models.Group("g1"), 20)
	if err != nil {
		t.Fatalf("second CreateRoomIfNotExist failed: %v", err)
	}
	if created {
		t.Fatalf("expected existing room to be kept")
	}

	room, err := store.GetRoom(models.Group("g1"))
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if room.CreatedAt != 10 {
		t.Fatalf("expected original creation time, got %d", room.CreatedAt)
	}
}
