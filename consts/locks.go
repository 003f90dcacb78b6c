package consts

// BouncerAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one bouncer instance can run migrations at a time.
const BouncerAdvisoryLockID = 42734582
