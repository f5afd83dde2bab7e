// Package auth resolves an HTTP Authorization header into a Principal and
// decides pull/push rights against the folder ACL model.
package auth

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/portalcrane/portalcrane/pkg/model"
	"github.com/portalcrane/portalcrane/pkg/util"
)

// bcryptMaxLen is bcrypt's input limit; longer passwords are silently
// truncated by the underlying implementation, so we truncate explicitly to
// document the behavior rather than rely on it implicitly.
const bcryptMaxLen = 72

// HashPassword bcrypt-hashes password, truncating to bcryptMaxLen bytes.
func HashPassword(password string) (string, error) {
	if len(password) > bcryptMaxLen {
		password = password[:bcryptMaxLen]
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks password against an existing bcrypt hash.
func VerifyPassword(hash, password string) bool {
	if len(password) > bcryptMaxLen {
		password = password[:bcryptMaxLen]
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssueToken mints an HS256 bearer token carrying sub=username.
func IssueToken(secretKey, username string, expiry time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(expiry).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}

// DecodeBearerUsername validates an HS256 bearer token and returns its sub
// claim. Only sub is honored; OIDC claim fallbacks (preferred_username,
// email) are out of scope for the core proxy.
func DecodeBearerUsername(secretKey, tokenString string) (string, bool) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, util.New(util.KindUnauthenticated, "unexpected signing method")
		}
		return []byte(secretKey), nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", false
	}
	return sub, true
}

// DecodeBasicAuth splits a "Basic base64(user:pass)" header value.
func DecodeBasicAuth(header string) (username, password string, ok bool) {
	if !strings.HasPrefix(strings.ToLower(header), "basic ") {
		return "", "", false
	}
	encoded := strings.TrimSpace(header[len("Basic "):])
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// UserStore is the minimal surface auth needs from the persisted user store.
type UserStore interface {
	FindUser(username string) (model.LocalUser, bool)
}

// Resolver authenticates requests against the fallback admin account and a
// UserStore. Authorization against a FolderStore is decided by Authorize.
type Resolver struct {
	SecretKey     string
	AdminUsername string
	AdminPassword string
	Users         UserStore
}

// Authenticate verifies a Basic or Bearer Authorization header and returns
// the resulting Principal. ok is false when credentials are missing or
// invalid.
func (r *Resolver) Authenticate(header string) (model.Principal, bool) {
	if header == "" {
		return model.Principal{}, false
	}

	if user, pass, isBasic := DecodeBasicAuth(header); isBasic {
		return r.verifyBasic(user, pass)
	}

	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token := strings.TrimSpace(header[len("Bearer "):])
		username, ok := DecodeBearerUsername(r.SecretKey, token)
		if !ok {
			return model.Principal{}, false
		}
		return r.principalFor(username), true
	}

	return model.Principal{}, false
}

func (r *Resolver) verifyBasic(username, password string) (model.Principal, bool) {
	if username == r.AdminUsername && r.AdminPassword != "" && password == r.AdminPassword {
		return model.Principal{Username: username, IsAdmin: true, CanPullGlobal: true, CanPushGlobal: true}, true
	}
	if r.Users == nil {
		return model.Principal{}, false
	}
	u, found := r.Users.FindUser(username)
	if !found || !VerifyPassword(u.PasswordHash, password) {
		return model.Principal{}, false
	}
	return r.principalFromUser(u), true
}

func (r *Resolver) principalFor(username string) model.Principal {
	if username == r.AdminUsername {
		return model.Principal{Username: username, IsAdmin: true, CanPullGlobal: true, CanPushGlobal: true}
	}
	if r.Users != nil {
		if u, found := r.Users.FindUser(username); found {
			return r.principalFromUser(u)
		}
	}
	return model.Principal{Username: username}
}

func (r *Resolver) principalFromUser(u model.LocalUser) model.Principal {
	return model.Principal{
		Username:      u.Username,
		IsAdmin:       u.IsAdmin,
		CanPullGlobal: u.IsAdmin || u.CanPullImages,
		CanPushGlobal: u.IsAdmin || u.CanPushImages,
	}
}

// FolderStore is the minimal surface auth needs from the persisted folder store.
type FolderStore interface {
	FolderForPath(imagePath string) (model.Folder, bool)
}

// MethodClass classifies an HTTP method as a pull or push action.
type MethodClass int

const (
	ClassPull MethodClass = iota
	ClassPush
)

// ClassifyMethod maps an HTTP method name to its MethodClass.
func ClassifyMethod(method string) MethodClass {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return ClassPull
	default:
		return ClassPush
	}
}

// CheckFolderAccess implements the tri-state folder access rule:
// true/false when a folder matched and access is explicitly granted/denied,
// and (false, false) when no folder matched the path at all; the caller
// must then fall back to the global pull/push rule.
func CheckFolderAccess(folders FolderStore, username, imagePath string, class MethodClass) (allowed bool, matched bool) {
	folder, found := folders.FolderForPath(imagePath)
	if !found {
		return false, false
	}
	perm, hasPerm := folder.PermissionFor(username)
	if !hasPerm {
		return false, true
	}
	if class == ClassPull {
		return perm.CanPull, true
	}
	return perm.CanPush, true
}

// Authorize decides whether principal may perform class on imagePath,
// applying the full rule set: admins always pass; folder matches
// override global rights; pushes outside any folder are always denied for
// non-admins; pulls outside any folder fall back to the global right.
func Authorize(folders FolderStore, p model.Principal, imagePath string, class MethodClass) (bool, string) {
	if p.IsAdmin {
		return true, ""
	}

	allowed, matched := CheckFolderAccess(folders, p.Username, imagePath, class)
	if matched {
		if !allowed {
			action := "pull"
			if class == ClassPush {
				action = "push"
			}
			return false, "Folder access denied: " + action + " permission required"
		}
		return true, ""
	}

	if class == ClassPush {
		return false, "Push to root namespace is restricted to administrators"
	}
	if !p.CanPullGlobal {
		return false, "Pull permission required"
	}
	return true, ""
}

// ExtractImagePath extracts the repository path (without the trailing
// manifests/blobs/tags/uploads suffix) from a Distribution v2 URL path,
// mirroring the original _extract_image_path scan.
func ExtractImagePath(v2Path string) string {
	for _, marker := range []string{"/manifests/", "/blobs/", "/tags/", "/uploads/", "/uploads"} {
		if idx := strings.Index(v2Path, marker); idx != -1 {
			return v2Path[:idx]
		}
	}
	return v2Path
}
