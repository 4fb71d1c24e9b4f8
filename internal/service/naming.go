package service

import (
	"strings"
)

// Внешняя система аутентификации нередко присылает вместо имени заглушку
var namePlaceholders = map[string]bool{
	"":             true,
	"Unknown":      true,
	"Unknown User": true,
	"User":         true,
}

func isPlaceholderName(name string) bool {
	return namePlaceholders[strings.TrimSpace(name)]
}

// ResolveDisplayName возвращает отображаемое имя пользователя: сохраненное
// имя, если оно не заглушка, иначе локальная часть email, иначе "User"
func ResolveDisplayName(storedName, email string) string {
	name := strings.TrimSpace(storedName)
	if !namePlaceholders[name] {
		return name
	}

	if email != "" {
		local, _, _ := strings.Cut(email, "@")
		if local = strings.TrimSpace(local); local != "" {
			return local
		}
	}
	return "User"
}

// FirstName возвращает первое слово полного имени
func FirstName(fullName string) string {
	fields := strings.Fields(fullName)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
