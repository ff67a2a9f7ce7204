package main

import (
	"bytes"
	"testing"
)

// captureCLIOutput 在测试期间把进程的 stdOut/stdErr 换成内存缓冲区，
// 返回两者供断言 reelcache CLI 的输出；测试结束后自动还原。
func captureCLIOutput(t *testing.T) (stdout, stderr *bytes.Buffer) {
	t.Helper()

	stdout = &bytes.Buffer{}
	stderr = &bytes.Buffer{}

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = stdout, stderr

	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return stdout, stderr
}
