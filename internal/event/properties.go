package event

import "strings"

// PredefinedPrefix marks protocol-level properties populated by the SDK.
const PredefinedPrefix = "$"

// Predefined property keys.
const (
	PropDistinctID         = "$distinctId"
	PropTime               = "$time"
	PropLibrary            = "$library"
	PropSessionID          = "$sessionId"
	PropThreadID           = "$threadId"
	PropUserID             = "$userId"
	PropDeviceID           = "$deviceId"
	PropAppVersion         = "$appVersion"
	PropVersionName        = "$versionName"
	PropPlatform           = "$platform"
	PropOSName             = "$osName"
	PropOSVersion          = "$osVersion"
	PropDeviceBrand        = "$deviceBrand"
	PropDeviceManufacturer = "$deviceManufacturer"
	PropDeviceModel        = "$deviceModel"
	PropLocationLat        = "$locationLat"
	PropLocationLng        = "$locationLng"
	PropIP                 = "$ip"
	PropName               = "$name"
	PropEmail              = "$email"
	PropCity               = "$city"
	PropRegion             = "$region"
	PropCountry            = "$country"
	PropLanguage           = "$language"
)

// Special keys promoted to top-level event fields, per event kind.
var (
	SpecialActivityKeys   = []string{}
	SpecialGenerationKeys = []string{"model_id", "input", "output"}
	SpecialFeedbackKeys   = []string{"generationId"}
	SpecialIdentifyKeys   = []string{PropName, PropEmail, PropCity, PropRegion, PropCountry, PropLanguage}
)

// IsPredefined reports whether key is a reserved protocol property.
func IsPredefined(key string) bool {
	return strings.HasPrefix(key, PredefinedPrefix)
}
