package model

// PermissionTier is the capability level delegated to an employee.
type PermissionTier string

const (
	TierBasic         PermissionTier = "basic"
	TierMessagesPosts PermissionTier = "messages_posts"
	TierFull          PermissionTier = "full"
)

func (t PermissionTier) Valid() bool {
	switch t {
	case TierBasic, TierMessagesPosts, TierFull:
		return true
	}
	return false
}

type Place struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
}

type Employee struct {
	ID             string         `json:"id"`
	PlaceID        string         `json:"place_id"`
	UserID         string         `json:"user_id"`
	PermissionTier PermissionTier `json:"permission_tier"`
	IsActive       bool           `json:"is_active"`
}

type RoleKind int

const (
	RoleOutsider RoleKind = iota
	RoleEmployee
	RoleOwner
)

func (k RoleKind) String() string {
	switch k {
	case RoleOwner:
		return "owner"
	case RoleEmployee:
		return "employee"
	}
	return "outsider"
}

// Role is a user's standing towards one place. Tier and EmployeeID are only
// set for RoleEmployee.
type Role struct {
	Kind       RoleKind       `json:"kind"`
	Tier       PermissionTier `json:"tier,omitempty"`
	EmployeeID string         `json:"employee_id,omitempty"`
}

func (r Role) IsPlaceSide() bool {
	return r.Kind == RoleOwner || r.Kind == RoleEmployee
}

// PlaceRoster is a place together with its active employees.
type PlaceRoster struct {
	Place     Place      `json:"place"`
	Employees []Employee `json:"employees,omitempty"`
}

// RoleOf resolves userID against the roster. Inactive employee records are
// ignored.
func (r *PlaceRoster) RoleOf(userID string) Role {
	if userID != "" && userID == r.Place.OwnerUserID {
		return Role{Kind: RoleOwner}
	}
	for _, e := range r.Employees {
		if e.IsActive && e.UserID == userID {
			return Role{Kind: RoleEmployee, Tier: e.PermissionTier, EmployeeID: e.ID}
		}
	}
	return Role{Kind: RoleOutsider}
}

// IsPlaceSide reports whether userID acts for the place (owner or active employee).
func (r *PlaceRoster) IsPlaceSide(userID string) bool {
	return r.RoleOf(userID).IsPlaceSide()
}

// AuthoredByPlace reports whether m was written on the place's behalf. A
// message stamped with an acting employee stays place-side after that
// employee leaves the roster.
func (r *PlaceRoster) AuthoredByPlace(m *Message) bool {
	return m.ActingEmployeeID != "" || r.IsPlaceSide(m.SenderID)
}

// Viewer is the explicit identity context passed to derivation and recipient
// resolution: the current user plus the rosters of every place involved.
type Viewer struct {
	UserID  string                 `json:"user_id"`
	Rosters map[string]PlaceRoster `json:"rosters"`
}

func NewViewer(userID string, rosters ...PlaceRoster) Viewer {
	v := Viewer{UserID: userID, Rosters: make(map[string]PlaceRoster, len(rosters))}
	for _, r := range rosters {
		v.Rosters[r.Place.ID] = r
	}
	return v
}

// Roster returns the roster for placeID, if known.
func (v Viewer) Roster(placeID string) (PlaceRoster, bool) {
	r, ok := v.Rosters[placeID]
	return r, ok
}

// RoleIn is the viewer's role in placeID. Unknown places resolve to outsider.
func (v Viewer) RoleIn(placeID string) Role {
	r, ok := v.Rosters[placeID]
	if !ok {
		return Role{Kind: RoleOutsider}
	}
	return r.RoleOf(v.UserID)
}

// PlaceSideOf lists the places where the viewer is owner or employee.
func (v Viewer) PlaceSideOf() []string {
	var out []string
	for id, r := range v.Rosters {
		if r.IsPlaceSide(v.UserID) {
			out = append(out, id)
		}
	}
	return out
}

// ProductSummary is the display hydration for product_share messages.
type ProductSummary struct {
	ID       string `json:"id"`
	PlaceID  string `json:"place_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	ImageURL string `json:"image_url,omitempty"`
}

// Profile is the display info for a conversation counterparty.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
