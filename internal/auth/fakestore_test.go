package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Storage for tests.
type fakeStore struct {
	usersByEmail map[string]UserRecord
	usersByID    map[uuid.UUID]UserRecord
	memberships  map[[2]uuid.UUID]MembershipRecord
	defaultOrg   map[uuid.UUID]uuid.UUID
	apiKeys      map[string]APIKeyRecord
	sessions     map[uuid.UUID]SessionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByEmail: map[string]UserRecord{},
		usersByID:    map[uuid.UUID]UserRecord{},
		memberships:  map[[2]uuid.UUID]MembershipRecord{},
		defaultOrg:   map[uuid.UUID]uuid.UUID{},
		apiKeys:      map[string]APIKeyRecord{},
		sessions:     map[uuid.UUID]SessionRecord{},
	}
}

func (f *fakeStore) addUser(u UserRecord, orgID uuid.UUID, role string) {
	f.usersByEmail[u.Email] = u
	f.usersByID[u.ID] = u
	f.memberships[[2]uuid.UUID{u.ID, orgID}] = MembershipRecord{UserID: u.ID, OrgID: orgID, Role: role}
	f.defaultOrg[u.ID] = orgID
}

func (f *fakeStore) FindUserByEmail(_ context.Context, email string) (UserRecord, error) {
	u, ok := f.usersByEmail[email]
	if !ok {
		return UserRecord{}, fmt.Errorf("no such user")
	}
	return u, nil
}

func (f *fakeStore) GetUser(_ context.Context, userID uuid.UUID) (UserRecord, error) {
	u, ok := f.usersByID[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("no such user")
	}
	return u, nil
}

func (f *fakeStore) GetMembership(_ context.Context, userID, orgID uuid.UUID) (MembershipRecord, error) {
	m, ok := f.memberships[[2]uuid.UUID{userID, orgID}]
	if !ok {
		return MembershipRecord{}, fmt.Errorf("no such membership")
	}
	return m, nil
}

func (f *fakeStore) DefaultOrgForUser(_ context.Context, userID uuid.UUID) (uuid.UUID, error) {
	orgID, ok := f.defaultOrg[userID]
	if !ok {
		return uuid.Nil, fmt.Errorf("no membership found")
	}
	return orgID, nil
}

func (f *fakeStore) TouchLastLogin(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeStore) FindAPIKeyByPrefix(_ context.Context, prefix string) (APIKeyRecord, error) {
	k, ok := f.apiKeys[prefix]
	if !ok {
		return APIKeyRecord{}, fmt.Errorf("no such api key")
	}
	return k, nil
}

func (f *fakeStore) TouchAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeStore) SetTwoFactorEnabled(_ context.Context, userID uuid.UUID, enabled bool) error {
	if u, ok := f.usersByID[userID]; ok {
		u.TwoFactorEnabled = enabled
		f.usersByID[userID] = u
		f.usersByEmail[u.Email] = u
	}
	return nil
}

func (f *fakeStore) CreateSession(_ context.Context, sess SessionRecord) error {
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID uuid.UUID) (SessionRecord, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return SessionRecord{}, fmt.Errorf("no such session")
	}
	return s, nil
}
