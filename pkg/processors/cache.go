package processors

import (
	"context"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// Cache holds the per-cycle marketplace snapshots a processor reads more
// than once. Entries are filled lazily on first access and never refreshed
// within the cycle, so every read inside one cycle observes the same
// value. A new processor gets a new, empty cache.
type Cache struct {
	client       Marketplace
	offeringUUID string

	offeringUsers       []types.OfferingUser
	offeringUsersLoaded bool

	teams           map[string][]types.ProjectUser
	serviceAccounts map[string][]types.ServiceAccount
	courseAccounts  map[string][]types.CourseAccount
}

func newCache(client Marketplace, offeringUUID string) *Cache {
	return &Cache{
		client:          client,
		offeringUUID:    offeringUUID,
		teams:           map[string][]types.ProjectUser{},
		serviceAccounts: map[string][]types.ServiceAccount{},
		courseAccounts:  map[string][]types.CourseAccount{},
	}
}

// OfferingUsers returns the offering's users, fetching once per cycle.
func (c *Cache) OfferingUsers(ctx context.Context) ([]types.OfferingUser, error) {
	if !c.offeringUsersLoaded {
		users, err := c.client.ListOfferingUsers(ctx, c.offeringUUID)
		if err != nil {
			return nil, err
		}
		c.offeringUsers = users
		c.offeringUsersLoaded = true
	}
	return c.offeringUsers, nil
}

// InvalidateOfferingUsers drops the offering users entry so the next read
// refetches. Used by backends that create users mid-cycle.
func (c *Cache) InvalidateOfferingUsers() {
	c.offeringUsers = nil
	c.offeringUsersLoaded = false
}

// OfferingUsersByUserUUID indexes the cached offering users by their
// marketplace user UUID.
func (c *Cache) OfferingUsersByUserUUID(ctx context.Context) (map[string]types.OfferingUser, error) {
	users, err := c.OfferingUsers(ctx)
	if err != nil {
		return nil, err
	}
	byUUID := make(map[string]types.OfferingUser, len(users))
	for _, u := range users {
		byUUID[u.UserUUID] = u
	}
	return byUUID, nil
}

// TeamForResource returns the project team behind a resource, cached per
// project.
func (c *Cache) TeamForResource(ctx context.Context, resource *types.Resource) ([]types.ProjectUser, error) {
	if team, ok := c.teams[resource.ProjectUUID]; ok {
		return team, nil
	}
	team, err := c.client.GetResourceTeam(ctx, resource.UUID)
	if err != nil {
		return nil, err
	}
	c.teams[resource.ProjectUUID] = team
	return team, nil
}

// ServiceAccounts returns a project's service accounts, cached per
// project.
func (c *Cache) ServiceAccounts(ctx context.Context, projectUUID string) ([]types.ServiceAccount, error) {
	if accounts, ok := c.serviceAccounts[projectUUID]; ok {
		return accounts, nil
	}
	accounts, err := c.client.ListServiceAccounts(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	c.serviceAccounts[projectUUID] = accounts
	return accounts, nil
}

// CourseAccounts returns a project's course accounts, cached per project.
func (c *Cache) CourseAccounts(ctx context.Context, projectUUID string) ([]types.CourseAccount, error) {
	if accounts, ok := c.courseAccounts[projectUUID]; ok {
		return accounts, nil
	}
	accounts, err := c.client.ListCourseAccounts(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	c.courseAccounts[projectUUID] = accounts
	return accounts, nil
}
