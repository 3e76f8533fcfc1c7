package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/labuh/labuh/internal/apperr"
	"github.com/labuh/labuh/internal/db"
)

type TeamRole string

const (
	RoleOwner     TeamRole = "Owner"
	RoleAdmin     TeamRole = "Admin"
	RoleDeveloper TeamRole = "Developer"
	RoleViewer    TeamRole = "Viewer"
)

// Priority orders roles for comparisons: Owner > Admin > Developer > Viewer.
func (r TeamRole) Priority() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleDeveloper:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r grants at least the privileges of min.
func (r TeamRole) AtLeast(min TeamRole) bool {
	return r.Priority() >= min.Priority()
}

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type TeamMember struct {
	TeamID string   `json:"team_id"`
	UserID int      `json:"user_id"`
	Role   TeamRole `json:"role"`
}

type TeamStore struct {
	db *bolt.DB
}

func NewTeamStore(database *bolt.DB) *TeamStore {
	return &TeamStore{db: database}
}

// Create persists a team and adds the creator as Owner.
func (s *TeamStore) Create(name string, ownerID int) (*Team, error) {
	team := &Team{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(team)
	if err != nil {
		return nil, fmt.Errorf("marshal team: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(db.BucketTeams).Put([]byte(team.ID), data); err != nil {
			return err
		}
		member := TeamMember{TeamID: team.ID, UserID: ownerID, Role: RoleOwner}
		mdata, err := json.Marshal(&member)
		if err != nil {
			return fmt.Errorf("marshal member: %w", err)
		}
		return tx.Bucket(db.BucketTeamMembers).Put(memberKey(team.ID, ownerID), mdata)
	})
	if err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	return team, nil
}

func memberKey(teamID string, userID int) []byte {
	return []byte(teamID + "\x00" + fmt.Sprintf("%d", userID))
}

// Get returns a team by id.
func (s *TeamStore) Get(id string) (*Team, error) {
	var team *Team
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketTeams).Get([]byte(id))
		if v == nil {
			return nil
		}
		team = &Team{}
		return json.Unmarshal(v, team)
	})
	if err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	if team == nil {
		return nil, apperr.Errorf(apperr.NotFound, "team %s not found", id)
	}
	return team, nil
}

// SetMember adds or updates a member's role.
func (s *TeamStore) SetMember(teamID string, userID int, role TeamRole) error {
	member := TeamMember{TeamID: teamID, UserID: userID, Role: role}
	data, err := json.Marshal(&member)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketTeamMembers).Put(memberKey(teamID, userID), data)
	})
	if err != nil {
		return fmt.Errorf("set member: %w", err)
	}
	return nil
}

// Role returns the member's role, or Forbidden if they are not on the team.
func (s *TeamStore) Role(teamID string, userID int) (TeamRole, error) {
	var member *TeamMember
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketTeamMembers).Get(memberKey(teamID, userID))
		if v == nil {
			return nil
		}
		member = &TeamMember{}
		return json.Unmarshal(v, member)
	})
	if err != nil {
		return "", fmt.Errorf("get member: %w", err)
	}
	if member == nil {
		return "", apperr.E(apperr.Forbidden, "not a member of this team")
	}
	return member.Role, nil
}

// Members returns all members of a team.
func (s *TeamStore) Members(teamID string) ([]TeamMember, error) {
	var out []TeamMember
	prefix := []byte(teamID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(db.BucketTeamMembers).Cursor()
		for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
			var m TeamMember
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshal member: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return out, nil
}
