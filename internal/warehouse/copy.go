package warehouse

import (
	"fmt"
	"strings"

	"target-redshift/internal/stage"
)

// CopyCredentials selects how COPY authenticates to the object store
// — either explicit keys or an IAM role ARN.
type CopyCredentials struct {
	RoleARN         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c CopyCredentials) clause() string {
	if c.RoleARN != "" {
		return fmt.Sprintf("IAM_ROLE '%s'", escapeLiteral(c.RoleARN))
	}
	creds := fmt.Sprintf("aws_access_key_id=%s;aws_secret_access_key=%s", c.AccessKeyID, c.SecretAccessKey)
	if c.SessionToken != "" {
		creds += ";token=" + c.SessionToken
	}
	return fmt.Sprintf("CREDENTIALS '%s'", escapeLiteral(creds))
}

// CopyOptions carries the caller-configurable portion of a COPY
// statement (copy_options, compression).
type CopyOptions struct {
	Credentials  CopyCredentials
	Compression  stage.Compression
	ExtraOptions string // caller's copy_options, appended verbatim
}

// DefaultCopyOptions is the default tail of extra options, appended
// unless the caller overrides it.
const DefaultCopyOptions = `EMPTYASNULL BLANKSASNULL TRIMBLANKS TRUNCATECOLUMNS TIMEFORMAT 'auto' COMPUPDATE OFF STATUPDATE OFF`

// CopyStatement renders a COPY statement loading the single object at
// uri into schemaName.tableName. opts.Credentials follows the FROM
// clause, then the fixed clause "CSV GZIP DELIMITER ',' REMOVEQUOTES
// ESCAPE", with GZIP replaced by BZIP2 (or omitted entirely) depending
// on opts.Compression, then opts.ExtraOptions (or DefaultCopyOptions
// if unset).
//
// A sliced upload gets one statement per slice uri; callers issue each
// and let COPY's implicit APPEND semantics accumulate rows in the temp
// table.
func CopyStatement(schemaName, tableName, uri string, opts CopyOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s FROM '%s' ", QualifiedTable(schemaName, tableName), escapeLiteral(uri))
	b.WriteString(opts.Credentials.clause())
	b.WriteString(" CSV")
	switch opts.Compression {
	case stage.Gzip:
		b.WriteString(" GZIP")
	case stage.Bzip2:
		b.WriteString(" BZIP2")
	}
	b.WriteString(" DELIMITER ',' REMOVEQUOTES ESCAPE")

	extra := opts.ExtraOptions
	if extra == "" {
		extra = DefaultCopyOptions
	}
	b.WriteByte(' ')
	b.WriteString(extra)

	return b.String()
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
