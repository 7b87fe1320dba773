package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/CrackerCat/Android-DataBackup/internal/types"
)

const (
	perUserRange = 100000
	firstAppID   = 10000
	extDataRWGID = 1078
	extObbRWGID  = 1079
)

// UserDir returns the live device directory holding object data for userID.
func UserDir(object types.ObjectType, userID int) string {
	switch object {
	case types.ObjectUser:
		return fmt.Sprintf("/data/user/%d", userID)
	case types.ObjectUserDE:
		return fmt.Sprintf("/data/user_de/%d", userID)
	case types.ObjectData:
		return fmt.Sprintf("/data/media/%d/Android/data", userID)
	case types.ObjectOBB:
		return fmt.Sprintf("/data/media/%d/Android/obb", userID)
	default:
		return ""
	}
}

// packageUID resolves the kernel uid of packageName for userID.
func (d *Device) packageUID(ctx context.Context, userID int, packageName string) (int, bool) {
	if info, err := d.stat(fmt.Sprintf("%s/%s", UserDir(types.ObjectUser, userID), packageName)); err == nil {
		if owner := uidGidFromFileInfo(info); owner.ok && owner.uid > 0 {
			return owner.uid, true
		}
	}
	if pkg, ok := d.PackageInfo(ctx, userID, packageName); ok && pkg.AppID > 0 {
		return userID*perUserRange + pkg.AppID%perUserRange, true
	}
	return 0, false
}

// mlsContext builds the per-user app_data_file context for uid.
func mlsContext(uid int) string {
	appID := uid % perUserRange
	userID := uid / perUserRange
	category := appID - firstAppID
	return fmt.Sprintf("u:object_r:app_data_file:s0:c%d,c%d,c%d,c%d",
		category&0xff, 256+(category>>8&0xff), 512+(userID&0xff), 768+(userID>>8&0xff))
}

// SetOwnershipAndContext restores owner and SELinux label of a restored path.
// previousContext is the label captured before extraction; it is only logged.
func (d *Device) SetOwnershipAndContext(ctx context.Context, object types.ObjectType, packageName, path string, userID int, previousContext string) Result {
	d.logger.Action("setOwnerAndSELinux", "%s %s previous context %q", packageName, object, previousContext)

	uid, ok := d.packageUID(ctx, userID, packageName)
	if !ok {
		return Result{Success: false, Lines: []string{fmt.Sprintf("cannot resolve uid of %s", packageName)}, ExitCode: 1}
	}

	group := uid
	switch object {
	case types.ObjectData:
		group = extDataRWGID
	case types.ObjectOBB:
		group = extObbRWGID
	}

	quoted := ShellQuote(path)
	chown := d.Execute(ctx, fmt.Sprintf("chown -hR %d:%d %s", uid, group, quoted))
	if !chown.Success {
		return chown
	}

	var label Result
	if d.cfg.AutoFixMultiUserContext && (object == types.ObjectUser || object == types.ObjectUserDE) {
		label = d.Execute(ctx, fmt.Sprintf("chcon -hR %s %s", mlsContext(uid), quoted))
	} else {
		label = d.Execute(ctx, "restorecon -RF "+quoted)
	}
	label.Lines = append(chown.Lines, label.Lines...)
	return label
}

// GetSecurityContext returns the SELinux label of path, or "" when unknown.
func (d *Device) GetSecurityContext(ctx context.Context, path string) string {
	res := d.Execute(ctx, "ls -Zd "+ShellQuote(path))
	if !res.Success {
		return ""
	}
	for _, field := range strings.Fields(res.Output()) {
		if strings.HasPrefix(field, "u:") {
			return field
		}
	}
	return ""
}
