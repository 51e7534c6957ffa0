package domain

import "github.com/establishment/storesync/internal/store"

var userSchema = &store.Schema{Fields: map[string]store.FieldType{
	"username":    store.FieldString,
	"displayName": store.FieldString,
}}

type User struct {
	*store.Entity
}

func (u User) Username() string { return u.String("username") }

// DisplayName falls back to the username when no display name is set.
func (u User) DisplayName() string {
	if name := u.String("displayName"); name != "" {
		return name
	}
	return u.Username()
}

func (st *Stores) User(id store.ID) (User, bool) {
	e, ok := st.Users.Get(id)
	if !ok {
		return User{}, false
	}
	return User{e}, true
}
