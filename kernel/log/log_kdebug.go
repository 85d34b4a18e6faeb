// +build nimbuskernel_kdebug

package log

const debugEnabled = true
