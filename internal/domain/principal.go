package domain

// Principal — аутентифицированный вызывающий.
type Principal struct {
	// Subject — внешний идентификатор из токена.
	Subject string
	Roles   []string
	// UserID заполняется после ResolveInternalID.
	UserID int64
}

// HasRole проверяет наличие роли у вызывающего.
func (p Principal) HasRole(role string) bool {
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
