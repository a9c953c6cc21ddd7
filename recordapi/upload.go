package recordapi

import (
	"context"
	"encoding/json"

	"github.com/kilndb/recordapi/files"
	"github.com/kilndb/recordapi/schema"
	"github.com/kilndb/recordapi/sqlvalue"
)

// fileRefValue JSON-encodes a single FileUpload reference for storage
// in a std.FileUpload TEXT column.
func fileRefValue(ref files.Reference) sqlvalue.Value {
	raw, _ := json.Marshal(ref)
	return sqlvalue.Text(string(raw))
}

// fileRefsValue JSON-encodes a FileUpload array for a std.FileUploads
// TEXT column.
func fileRefsValue(refs []files.Reference) sqlvalue.Value {
	raw, _ := json.Marshal(refs)
	return sqlvalue.Text(string(raw))
}

// ApplyFileUploads consumes the multipart file parts in uploads that
// match one of tm's file columns by name, writes each to the object
// store via fm, and mints a FileUpload/FileUploads reference into lp
// for that column - an empty-body part for an unselected file input is
// silently dropped. The returned references are owned by the caller
// until the surrounding write commits (nothing more to do) or the
// request aborts (ForgetAll deletes each one from the store).
func ApplyFileUploads(ctx context.Context, tm *schema.TableMetadata, lp *LazyParams, fm *files.Manager, uploads []files.Upload) ([]files.Reference, error) {
	var minted []files.Reference

	for _, idx := range tm.FileColumnIndices {
		col := tm.Table.Columns[idx].Name
		meta := tm.JSONMetadata[idx]

		var matches []files.Upload
		for _, u := range uploads {
			if u.Name == col && len(u.Bytes) > 0 {
				matches = append(matches, u)
			}
		}
		if len(matches) == 0 {
			continue
		}

		switch meta.Kind {
		case schema.JSONFileUpload:
			ref, err := fm.Accept(ctx, matches[0])
			if err != nil {
				return minted, err
			}
			minted = append(minted, ref)
			lp.SetValue(col, fileRefValue(ref))

		case schema.JSONFileUploads:
			refs := make([]files.Reference, 0, len(matches))
			for _, u := range matches {
				ref, err := fm.Accept(ctx, u)
				if err != nil {
					return minted, err
				}
				minted = append(minted, ref)
				refs = append(refs, ref)
			}
			lp.SetValue(col, fileRefsValue(refs))
		}
	}

	return minted, nil
}

// ForgetAll releases every reference in refs back to the object
// store - called when a request aborts after files were written but
// before the owning transaction committed.
func ForgetAll(ctx context.Context, fm *files.Manager, refs []files.Reference) {
	for _, ref := range refs {
		_ = fm.Forget(ctx, ref)
	}
}
