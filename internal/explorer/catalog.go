package explorer

import "github.com/iancoleman/strcase"

// RiskTag classifies how much it would cost a user to lose an unsynced
// app's local data (spec.md §4.7).
type RiskTag string

const (
	RiskCritical RiskTag = "critical"
	RiskHigh     RiskTag = "high"
	RiskMedium   RiskTag = "medium"
	RiskLow      RiskTag = "low"
	RiskUnknown  RiskTag = "unknown"
)

var riskOrder = map[RiskTag]int{
	RiskCritical: 0,
	RiskHigh:     1,
	RiskMedium:   2,
	RiskLow:      3,
	RiskUnknown:  4,
}

// MessagingAppEntry is one catalog row: a logical app name, its known
// package identifiers, and the candidate media directories it might keep
// saved attachments under.
type MessagingAppEntry struct {
	Key              string
	PackageIDs       []string
	CandidateMediaDirs []string
}

// messagingCatalog is the static known-messaging-apps table spec.md §4.7
// describes. Keys are normalized with strcase.ToSnake on lookup so a
// caller can write either "WhatsApp" or "whats_app".
var messagingCatalog = []MessagingAppEntry{
	{
		Key:        "whats_app",
		PackageIDs: []string{"com.whatsapp", "com.whatsapp.w4b"},
		CandidateMediaDirs: []string{
			"/sdcard/WhatsApp/Media",
			"/sdcard/Android/media/com.whatsapp/WhatsApp/Media",
		},
	},
	{
		Key:        "telegram",
		PackageIDs: []string{"org.telegram.messenger"},
		CandidateMediaDirs: []string{
			"/sdcard/Telegram",
			"/sdcard/Android/media/org.telegram.messenger/Telegram",
		},
	},
	{
		Key:        "signal",
		PackageIDs: []string{"org.thoughtcrime.securesms"},
		CandidateMediaDirs: []string{
			"/sdcard/Android/media/org.thoughtcrime.securesms/Signal",
		},
	},
	{
		Key:        "facebook_messenger",
		PackageIDs: []string{"com.facebook.orca"},
		CandidateMediaDirs: []string{
			"/sdcard/Android/media/com.facebook.orca",
		},
	},
}

func messagingEntryForKey(key string) (MessagingAppEntry, bool) {
	normalized := strcase.ToSnake(key)
	for _, e := range messagingCatalog {
		if e.Key == normalized {
			return e, true
		}
	}
	return MessagingAppEntry{}, false
}

// UnsyncedAppEntry is one curated high-value-app catalog row (pass 1 of
// the Unsynced-app Detector, spec.md §4.7).
type UnsyncedAppEntry struct {
	PackageID string
	Risk      RiskTag
}

var highValueCatalog = []UnsyncedAppEntry{
	{PackageID: "com.google.android.apps.authenticator2", Risk: RiskCritical},
	{PackageID: "com.authy.authy", Risk: RiskCritical},
	{PackageID: "com.lastpass.lpandroid", Risk: RiskCritical},
	{PackageID: "com.agilebits.onepassword", Risk: RiskCritical},
	{PackageID: "com.bitwarden.authenticator", Risk: RiskCritical},
	{PackageID: "com.evernote", Risk: RiskHigh},
	{PackageID: "com.microsoft.office.onenote", Risk: RiskHigh},
	{PackageID: "com.intuit.mint", Risk: RiskHigh},
	{PackageID: "com.mint.bank", Risk: RiskHigh},
	{PackageID: "com.myfitnesspal.android", Risk: RiskMedium},
	{PackageID: "com.fitbit.FitbitMobile", Risk: RiskMedium},
	{PackageID: "com.supercell.clashofclans", Risk: RiskLow},
	{PackageID: "com.king.candycrushsaga", Risk: RiskLow},
}

// cloudSyncedSkipList is pass 2's exclusion list: packages that already
// sync their own data off-device, so an unsynced-data-at-risk report for
// them would be a false positive (spec.md §4.7).
var cloudSyncedSkipList = map[string]struct{}{
	"com.google.android.apps.photos": {},
	"com.google.android.gm":          {},
	"com.dropbox.android":            {},
	"com.google.android.apps.docs":   {},
	"com.microsoft.skydrive":         {},
}

func highValueEntry(pkg string) (UnsyncedAppEntry, bool) {
	for _, e := range highValueCatalog {
		if e.PackageID == pkg {
			return e, true
		}
	}
	return UnsyncedAppEntry{}, false
}

func isCloudSynced(pkg string) bool {
	_, ok := cloudSyncedSkipList[pkg]
	return ok
}
