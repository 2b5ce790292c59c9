// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// LinkGuard は検索結果など外部から得たURLへアクセスする前の防御を提供する。
type LinkGuard interface {
	// NewSafeClient はプライベートIP・ループバック・メタデータIPへの接続を
	// Dialerレベルで拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
}

// ErrUnsafeURL は取得してはいけないURLであることを示す。
var ErrUnsafeURL = errors.New("unsafe url")

var allowedPorts = map[string]uint16{
	"http":  80,
	"https": 443,
}

// blockedPrefixes はValidateURLで拒否するアドレス範囲。
// 169.254.0.0/16 はクラウドメタデータIP (169.254.169.254) を含む。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// blockedHostSuffixes は名前解決前に拒否するホスト名（サブドメインを含む）。
var blockedHostSuffixes = []string{
	"localhost",
	"local",
	"internal",
}

// SSRFGuard はLinkGuardの実装。
type SSRFGuard struct{}

// NewSSRFGuard はSSRFGuardを生成する。
func NewSSRFGuard() *SSRFGuard {
	return &SSRFGuard{}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
// DNS解決後のIPアドレスも検証されるため、DNS再バインディングにも対応する。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL は検索結果のリンクを取得してよいかを静的に検証する。
// 認証情報付きURLや標準以外のポートは、安全なクライアントでも接続できないため先に拒否する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	defaultPort, ok := allowedPorts[scheme]
	if !ok {
		return fmt.Errorf("%w: scheme %q", ErrUnsafeURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: embedded credentials", ErrUnsafeURL)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host", ErrUnsafeURL)
	}
	if port := u.Port(); port != "" && port != fmt.Sprint(defaultPort) {
		return fmt.Errorf("%w: port %s", ErrUnsafeURL, port)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: address %s", ErrUnsafeURL, addr)
		}
		return nil
	}

	if blockedHost(host) {
		return fmt.Errorf("%w: host %s", ErrUnsafeURL, host)
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func blockedHost(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, s := range blockedHostSuffixes {
		if h == s || strings.HasSuffix(h, "."+s) {
			return true
		}
	}
	return false
}

var _ LinkGuard = (*SSRFGuard)(nil)
