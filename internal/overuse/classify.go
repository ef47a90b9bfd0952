package overuse

// firstApplicationUID is the lowest per-user app id of installed applications.
// Lower app ids belong to native services.
const firstApplicationUID = 10000

// Classify builds the PackageInfo of the package name running as uid.
//
// Native uids are below firstApplicationUID within their user. Packages
// matching a vendor prefix are Vendor. Otherwise packages named by the system
// config or running natively are System, and the remaining applications are
// ThirdParty. The category comes from the package metadata.
func (c *Configs) Classify(name string, uid int32) PackageInfo {
	info := PackageInfo{Name: name, UID: uid, UidType: UidApplication}
	if uid%perUserUIDRange < firstApplicationUID {
		info.UidType = UidNative
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	info.AppCategory = c.merged[name]
	switch {
	case hasPrefix(c.prefixes, name):
		info.ComponentType = ComponentVendor
	case info.UidType == UidNative || c.namedBySystemLocked(name):
		info.ComponentType = ComponentSystem
	default:
		info.ComponentType = ComponentThirdParty
	}
	return info
}

func (c *Configs) namedBySystemLocked(name string) bool {
	system := c.components[ComponentSystem]
	if system == nil {
		return false
	}
	if _, ok := system.packages[name]; ok {
		return true
	}
	_, ok := system.safeToKill[name]
	return ok
}
